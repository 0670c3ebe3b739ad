package mtpsim

// topo.go holds the model of the simulated topology the partitioner
// consumes: nodes, the net devices they carry, and the channels those
// devices attach to.  A description layer serializes topologies to
// yaml or json so experiments can be stored and rebuilt

import (
	"encoding/json"
	"fmt"
	"os"
	"path"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

// Node is a simulated network node.  Its system id encodes the owning
// partition: the high 16 bits give the local LP id assigned by the
// partitioner, the low 16 bits give the rank
type Node struct {
	id       int
	name     string
	systemID int
	devices  []*NetDevice
}

// GetID returns the node id, which is also the node's event context
func (node *Node) GetID() int {
	return node.id
}

// GetName returns the node name
func (node *Node) GetName() string {
	return node.name
}

// GetSystemID returns the packed (local LP, rank) system id
func (node *Node) GetSystemID() int {
	return node.systemID
}

// SetSystemID installs a packed (local LP, rank) system id
func (node *Node) SetSystemID(systemID int) {
	node.systemID = systemID
}

// Rank returns the cluster rank owning this node
func (node *Node) Rank() int {
	return node.systemID & 0xffff
}

// LocalLP returns the local LP id assigned by the partitioner, 0 if
// the node has not been partitioned yet
func (node *Node) LocalLP() int {
	return node.systemID >> 16
}

// GetNDevices returns the number of net devices on this node
func (node *Node) GetNDevices() int {
	return len(node.devices)
}

// GetDevice returns the net device at the given position
func (node *Node) GetDevice(idx int) *NetDevice {
	return node.devices[idx]
}

// NetDevice attaches a node to a channel
type NetDevice struct {
	node    *Node
	channel *Channel
}

// GetNode returns the node carrying this device
func (dev *NetDevice) GetNode() *Node {
	return dev.node
}

// GetChannel returns the channel this device attaches to, nil if the
// device is not connected
func (dev *NetDevice) GetChannel() *Channel {
	return dev.channel
}

// IsPointToPoint reports whether the attached channel was built as a
// point-to-point link (ConnectP2P).  A shared channel is never
// point-to-point, even with only two members
func (dev *NetDevice) IsPointToPoint() bool {
	return dev.channel != nil && dev.channel.pointToPoint
}

// Channel joins the devices attached to it and carries a propagation
// delay.  Point-to-point channels are the partitioner's cut candidates
type Channel struct {
	delayTicks   int64
	pointToPoint bool
	devices      []*NetDevice
}

// GetDelay returns the channel's propagation delay
func (ch *Channel) GetDelay() vrtime.Time {
	return timeOfTicks(ch.delayTicks)
}

// delay returns the channel's propagation delay in ticks
func (ch *Channel) delay() int64 {
	return ch.delayTicks
}

// GetNDevices returns the number of devices attached to the channel
func (ch *Channel) GetNDevices() int {
	return len(ch.devices)
}

// GetDevice returns the attached device at the given position
func (ch *Channel) GetDevice(idx int) *NetDevice {
	return ch.devices[idx]
}

// Topology is the directory of simulated nodes and their connectivity.
// Node ids are dense, assigned in creation order
type Topology struct {
	nodes []*Node
}

// CreateTopology is a constructor
func CreateTopology() *Topology {
	topo := new(Topology)
	topo.nodes = make([]*Node, 0)
	return topo
}

// AddNode creates a node on the given rank and enters it in the
// directory
func (topo *Topology) AddNode(name string, rank int) *Node {
	node := new(Node)
	node.id = len(topo.nodes)
	node.name = name
	node.systemID = rank
	node.devices = make([]*NetDevice, 0)
	topo.nodes = append(topo.nodes, node)
	return node
}

// GetN returns the number of nodes
func (topo *Topology) GetN() int {
	return len(topo.nodes)
}

// GetNode returns the node with the given id.  An unknown id is a
// programming bug in the host and aborts
func (topo *Topology) GetNode(id int) *Node {
	if id < 0 || id >= len(topo.nodes) {
		panic(fmt.Errorf("context %d resolves to no node in the topology", id))
	}
	return topo.nodes[id]
}

// Nodes returns the node list in id order
func (topo *Topology) Nodes() []*Node {
	return topo.nodes
}

// connect attaches a fresh device on each listed node to one channel
func (topo *Topology) connect(members []*Node, delay vrtime.Time, pointToPoint bool) *Channel {
	ch := new(Channel)
	ch.delayTicks = delay.Ticks()
	ch.pointToPoint = pointToPoint
	ch.devices = make([]*NetDevice, 0, len(members))
	for _, node := range members {
		dev := new(NetDevice)
		dev.node = node
		dev.channel = ch
		node.devices = append(node.devices, dev)
		ch.devices = append(ch.devices, dev)
	}
	return ch
}

// ConnectP2P joins two nodes with a point-to-point channel of the
// given delay
func (topo *Topology) ConnectP2P(a *Node, b *Node, delay vrtime.Time) *Channel {
	return topo.connect([]*Node{a, b}, delay, true)
}

// ConnectShared joins the listed nodes with a shared channel of the
// given delay.  Shared channels are never cut by the partitioner
func (topo *Topology) ConnectShared(members []*Node, delay vrtime.Time) *Channel {
	return topo.connect(members, delay, false)
}

// A NodeDesc describes one node of a stored topology
type NodeDesc struct {
	Name string `json:"name" yaml:"name"`
	Rank int    `json:"rank" yaml:"rank"`
}

// A LinkDesc describes one channel of a stored topology.  Delay is in
// seconds.  A link with exactly two members and P2P set builds a
// point-to-point channel
type LinkDesc struct {
	Nodes []string `json:"nodes" yaml:"nodes"`
	Delay float64  `json:"delay" yaml:"delay"`
	P2P   bool     `json:"p2p" yaml:"p2p"`
}

// A TopoDesc holds a serializable description of a topology
type TopoDesc struct {
	Name  string     `json:"name" yaml:"name"`
	Nodes []NodeDesc `json:"nodes" yaml:"nodes"`
	Links []LinkDesc `json:"links" yaml:"links"`
}

// CreateTopoDesc is a constructor
func CreateTopoDesc(name string) *TopoDesc {
	td := new(TopoDesc)
	td.Name = name
	td.Nodes = make([]NodeDesc, 0)
	td.Links = make([]LinkDesc, 0)
	return td
}

// AddNode enters a node description
func (td *TopoDesc) AddNode(name string, rank int) {
	td.Nodes = append(td.Nodes, NodeDesc{Name: name, Rank: rank})
}

// AddLink enters a link description
func (td *TopoDesc) AddLink(nodes []string, delay float64, p2p bool) {
	td.Links = append(td.Links, LinkDesc{Nodes: nodes, Delay: delay, P2P: p2p})
}

// WriteToFile stores the TopoDesc in the named file.  Serialization to
// json or to yaml is selected based on the extension of the name
func (td *TopoDesc) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*td)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*td, "", "\t")
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

// ReadTopoDesc deserializes a byte slice holding a representation of a
// TopoDesc.  If the input argument dict is empty, the named file is
// read to acquire the bytes
func ReadTopoDesc(filename string, useYAML bool, dict []byte) (*TopoDesc, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := TopoDesc{}
	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}
	if err != nil {
		return nil, err
	}
	return &example, nil
}

// BuildTopology constructs a Topology from its description
func BuildTopology(td *TopoDesc) (*Topology, error) {
	topo := CreateTopology()
	byName := make(map[string]*Node)
	for _, nd := range td.Nodes {
		if _, present := byName[nd.Name]; present {
			return nil, fmt.Errorf("duplicated node name %s in topology %s", nd.Name, td.Name)
		}
		byName[nd.Name] = topo.AddNode(nd.Name, nd.Rank)
	}
	for _, ld := range td.Links {
		members := make([]*Node, 0, len(ld.Nodes))
		for _, name := range ld.Nodes {
			node, present := byName[name]
			if !present {
				return nil, fmt.Errorf("link in topology %s names unknown node %s", td.Name, name)
			}
			members = append(members, node)
		}
		if ld.Delay < 0.0 {
			return nil, fmt.Errorf("link in topology %s has negative delay", td.Name)
		}
		delay := vrtime.SecondsToTime(ld.Delay)
		if ld.P2P {
			if len(members) != 2 {
				return nil, fmt.Errorf("point-to-point link in topology %s has %d members", td.Name, len(members))
			}
			topo.ConnectP2P(members[0], members[1], delay)
		} else {
			topo.ConnectShared(members, delay)
		}
	}
	return topo, nil
}
