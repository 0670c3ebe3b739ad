package mtpsim

// trace.go gathers a record of an engine execution: the rounds the
// coordinator granted and the events each logical process invoked.
// Traces serialize to yaml or json for offline inspection.  By testing
// the Active flag we can leave trace calls embedded everywhere they
// are needed while paying nothing when tracing is off

import (
	"encoding/json"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/iti/evt/vrtime"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// NameType is an entry in a dictionary created for a trace that maps
// object id numbers to a (name, type) pair
type NameType struct {
	Name string
	Type string
}

// A TraceInst is one recorded observation
type TraceInst struct {
	TraceTime string `json:"tracetime" yaml:"tracetime"`
	TraceType string `json:"tracetype" yaml:"tracetype"`
	TraceStr  string `json:"tracestr" yaml:"tracestr"`
}

// TraceManager gathers information about an execution of the engine.
// Workers append concurrently, so access is serialized internally
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each object id
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// trace records per LP id; round records live under key -1
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`

	mu *sync.Mutex
}

// CreateTraceManager is a constructor.  It saves the name of the
// experiment and a flag indicating whether the trace manager is active
func CreateTraceManager(expName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = expName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	tm.mu = new(sync.Mutex)
	return tm
}

// Active tells the caller whether the trace manager is being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddName associates a (name, type) pair with an object id
func (tm *TraceManager) AddName(id int, name string, objType string) {
	if !tm.InUse {
		return
	}
	tm.mu.Lock()
	tm.NameByID[id] = NameType{Name: name, Type: objType}
	tm.mu.Unlock()
}

// add appends a record under the given key
func (tm *TraceManager) add(key int, trace TraceInst) {
	tm.mu.Lock()
	_, present := tm.Traces[key]
	if !present {
		tm.Traces[key] = make([]TraceInst, 0)
	}
	tm.Traces[key] = append(tm.Traces[key], trace)
	tm.mu.Unlock()
}

// AddLPTrace records one event invocation by an LP
func (tm *TraceManager) AddLPTrace(vrt vrtime.Time, lpID int, uid uint64, op string) {
	if !tm.InUse {
		return
	}
	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)
	tm.add(lpID, TraceInst{TraceTime: traceTime, TraceType: op,
		TraceStr: "uid " + strconv.FormatUint(uid, 10)})
}

// AddRoundTrace records one granted time window
func (tm *TraceManager) AddRoundTrace(grant vrtime.Time, round int, smallestTicks int64) {
	if !tm.InUse {
		return
	}
	traceTime := strconv.FormatFloat(grant.Seconds(), 'f', -1, 64)
	tm.add(-1, TraceInst{TraceTime: traceTime, TraceType: "round",
		TraceStr: "round " + strconv.Itoa(round) + " smallest " + strconv.FormatInt(smallestTicks, 10)})
}

// RcdsByLP returns the recorded traces for one LP id
func (tm *TraceManager) RcdsByLP(lpID int) []TraceInst {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.Traces[lpID]
}

// WriteToFile stores the TraceManager in the named file.
// Serialization to json or to yaml is selected based on the extension
// of the name.  LP keys are visited in increasing order so output is
// reproducible
func (tm *TraceManager) WriteToFile(filename string) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	keys := make([]int, 0, len(tm.Traces))
	for key := range tm.Traces {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	ordered := make(map[int][]TraceInst, len(tm.Traces))
	for _, key := range keys {
		ordered[key] = tm.Traces[key]
	}
	snapshot := TraceManager{InUse: tm.InUse, ExpName: tm.ExpName,
		NameByID: tm.NameByID, Traces: ordered}

	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(snapshot)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(snapshot, "", "\t")
	}
	if merr != nil {
		panic(merr)
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		panic(cerr)
	}
	_, werr := f.WriteString(string(bytes[:]))
	if werr != nil {
		panic(werr)
	}
	err := f.Close()
	if err != nil {
		panic(err)
	}
	return werr
}
