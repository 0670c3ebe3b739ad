package mtpsim

// cfg.go holds the engine configuration attributes and their
// serialized form.  Configurations are stored as yaml or json files so
// experiment settings travel with topology descriptions

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"runtime"

	"gopkg.in/yaml.v3"
)

// An EngineCfg holds the attributes recognized by the engines.
// MaxThreads bounds the worker pool; MinLookahead (seconds) is the
// minimum inter-LP delay the partitioner uses to cut links, with 0
// selecting the median of the local point-to-point link delays
type EngineCfg struct {
	Name         string  `json:"name" yaml:"name"`
	MaxThreads   int     `json:"maxthreads" yaml:"maxthreads"`
	MinLookahead float64 `json:"minlookahead" yaml:"minlookahead"`
}

// CreateEngineCfg is a constructor giving every attribute its default:
// one worker per hardware thread, auto-computed lookahead
func CreateEngineCfg(name string) *EngineCfg {
	cfg := new(EngineCfg)
	cfg.Name = name
	cfg.MaxThreads = runtime.NumCPU()
	cfg.MinLookahead = 0.0
	return cfg
}

// Validate checks the attribute ranges, aborting on a configuration
// error.  Called by the simulators before any scheduling begins
func (cfg *EngineCfg) Validate() {
	if cfg.MaxThreads < 1 {
		panic(fmt.Errorf("configuration %s: MaxThreads must be positive, got %d", cfg.Name, cfg.MaxThreads))
	}
	if cfg.MinLookahead < 0.0 {
		panic(fmt.Errorf("configuration %s: MinLookahead must be non-negative, got %f", cfg.Name, cfg.MinLookahead))
	}
}

// WriteToFile stores the EngineCfg in the named file.  Serialization
// to json or to yaml is selected based on the extension of the name
func (cfg *EngineCfg) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*cfg)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*cfg, "", "\t")
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

// ReadEngineCfg deserializes a byte slice holding a representation of
// an EngineCfg.  If the input argument dict is empty, the named file
// is read to acquire the bytes
func ReadEngineCfg(filename string, useYAML bool, dict []byte) (*EngineCfg, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := EngineCfg{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}
	if example.MaxThreads == 0 {
		example.MaxThreads = runtime.NumCPU()
	}
	return &example, nil
}
