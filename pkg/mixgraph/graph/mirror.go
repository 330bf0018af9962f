package graph

import (
	"sort"
)

type UpdateKind int

const (
	// UpdateNode, UpdatePort and UpdateLink add or replace an object
	UpdateNode UpdateKind = iota
	UpdatePort
	UpdateLink
	// UpdateRemoved carries only the id of whatever object went away
	UpdateRemoved
	UpdateDefaults
	// UpdateSynced marks the end of the initial snapshot after connecting
	UpdateSynced
)

// Update is one confirmed change pushed by the server
type Update struct {
	Kind     UpdateKind
	ID       uint32
	Node     *Node
	Port     *Port
	Link     *Link
	Defaults Defaults
}

// Change summarizes what an applied update did to the mirror
type Change struct {
	// Routing is set when stream/endpoint nodes, ports or links changed
	Routing bool

	AddedNode    *Node
	RemovedNode  *Node
	AddedLink    *Link
	RemovedLinks []Link
	Synced       bool
}

// Mirror is the local copy of the server graph. It is owned by a single
// goroutine and changes only through Apply.
type Mirror struct {
	nodes map[uint32]*Node
	ports map[uint32]*Port
	links map[uint32]*Link
	pairs map[PortPair]uint32

	defaults Defaults
	synced   bool
}

func NewMirror() *Mirror {
	m := &Mirror{}
	m.Reset()
	return m
}

// Reset drops everything, used when the server connection is lost
func (m *Mirror) Reset() {
	m.nodes = make(map[uint32]*Node)
	m.ports = make(map[uint32]*Port)
	m.links = make(map[uint32]*Link)
	m.pairs = make(map[PortPair]uint32)
	m.defaults = Defaults{}
	m.synced = false
}

func (m *Mirror) Apply(u Update) Change {
	switch u.Kind {
	case UpdateNode:
		if u.Node != nil {
			return m.putNode(u.Node)
		}
	case UpdatePort:
		if u.Port != nil {
			return m.putPort(u.Port)
		}
	case UpdateLink:
		if u.Link != nil {
			return m.putLink(u.Link)
		}
	case UpdateRemoved:
		return m.remove(u.ID)
	case UpdateDefaults:
		changed := m.defaults != u.Defaults
		m.defaults = u.Defaults
		return Change{Routing: changed}
	case UpdateSynced:
		m.synced = true
		return Change{Routing: true, Synced: true}
	}
	return Change{}
}

func (m *Mirror) putNode(n *Node) Change {
	node := *n
	node.Ports = nil

	old, existed := m.nodes[node.ID]
	if existed {
		node.Ports = old.Ports
	} else {
		// ports may have been announced before their node
		for id, p := range m.ports {
			if p.NodeID == node.ID {
				node.Ports = append(node.Ports, id)
			}
		}
	}
	m.nodes[node.ID] = &node

	c := Change{Routing: node.Category == CategoryStream || node.Category == CategoryVirtual || node.Category == CategoryDevice}
	if !existed {
		c.AddedNode = &node
	} else if !c.Routing {
		c.Routing = old.Category != node.Category
	}
	return c
}

func (m *Mirror) putPort(p *Port) Change {
	port := *p

	old, existed := m.ports[port.ID]
	if existed && old.NodeID != port.NodeID {
		m.detachPort(old)
	}
	m.ports[port.ID] = &port

	if node, ok := m.nodes[port.NodeID]; ok && (!existed || old.NodeID != port.NodeID) {
		node.Ports = append(node.Ports, port.ID)
	}

	return Change{Routing: true}
}

func (m *Mirror) putLink(l *Link) Change {
	link := *l

	if old, ok := m.links[link.ID]; ok {
		delete(m.pairs, old.Pair())
	}
	m.links[link.ID] = &link
	m.pairs[link.Pair()] = link.ID

	return Change{Routing: true, AddedLink: &link}
}

func (m *Mirror) remove(id uint32) Change {
	if node, ok := m.nodes[id]; ok {
		c := Change{Routing: true, RemovedNode: node}
		for _, portID := range node.Ports {
			if port, ok := m.ports[portID]; ok {
				c.RemovedLinks = append(c.RemovedLinks, m.dropPortLinks(port.ID)...)
				delete(m.ports, portID)
			}
		}
		delete(m.nodes, id)
		return c
	}

	if port, ok := m.ports[id]; ok {
		c := Change{Routing: true, RemovedLinks: m.dropPortLinks(id)}
		m.detachPort(port)
		delete(m.ports, id)
		return c
	}

	if link, ok := m.links[id]; ok {
		delete(m.links, id)
		delete(m.pairs, link.Pair())
		return Change{Routing: true, RemovedLinks: []Link{*link}}
	}

	return Change{}
}

// dropPortLinks removes every link touching the port
func (m *Mirror) dropPortLinks(portID uint32) []Link {
	var dropped []Link
	for id, link := range m.links {
		if link.OutputPort == portID || link.InputPort == portID {
			dropped = append(dropped, *link)
			delete(m.links, id)
			delete(m.pairs, link.Pair())
		}
	}
	return dropped
}

func (m *Mirror) detachPort(port *Port) {
	node, ok := m.nodes[port.NodeID]
	if !ok {
		return
	}
	for i, id := range node.Ports {
		if id == port.ID {
			node.Ports = append(node.Ports[:i], node.Ports[i+1:]...)
			return
		}
	}
}

func (m *Mirror) Node(id uint32) (*Node, bool) {
	n, ok := m.nodes[id]
	return n, ok
}

func (m *Mirror) Port(id uint32) (*Port, bool) {
	p, ok := m.ports[id]
	return p, ok
}

func (m *Mirror) NodeByName(name string) (*Node, bool) {
	for _, n := range m.nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// Nodes returns all nodes ordered by id
func (m *Mirror) Nodes() []*Node {
	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return nodes
}

func (m *Mirror) Links() []*Link {
	links := make([]*Link, 0, len(m.links))
	for _, l := range m.links {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].ID < links[j].ID })
	return links
}

// LinkBetween returns the id of the link joining the pair, if any
func (m *Mirror) LinkBetween(pair PortPair) (uint32, bool) {
	id, ok := m.pairs[pair]
	return id, ok
}

// Ports returns the node's non-monitor ports in one direction, in channel order
func (m *Mirror) Ports(nodeID uint32, dir Direction) []*Port {
	node, ok := m.nodes[nodeID]
	if !ok {
		return nil
	}

	var ports []*Port
	for _, id := range node.Ports {
		p, ok := m.ports[id]
		if !ok || p.Direction != dir || p.Monitor {
			continue
		}
		ports = append(ports, p)
	}

	sort.Slice(ports, func(i, j int) bool {
		ri, rj := ports[i].Position.Rank(), ports[j].Position.Rank()
		if ri != rj {
			return ri < rj
		}
		return ports[i].ID < ports[j].ID
	})
	return ports
}

func (m *Mirror) Defaults() Defaults {
	return m.defaults
}

func (m *Mirror) Synced() bool {
	return m.synced
}

func (m *Mirror) Len() (nodes, ports, links int) {
	return len(m.nodes), len(m.ports), len(m.links)
}
