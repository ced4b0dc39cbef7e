package state

import (
	"encoding/json"
	"time"
)

// Kind identifies the protocol a project talks to
type Kind string

const (
	KindGRPC       Kind = "grpc"
	KindThrift     Kind = "thrift"
	KindKafka      Kind = "kafka"
	KindKubernetes Kind = "kubernetes"
)

// Valid reports whether k is one of the known project kinds
func (k Kind) Valid() bool {
	switch k {
	case KindGRPC, KindThrift, KindKafka, KindKubernetes:
		return true
	}
	return false
}

// HasForms reports whether projects of this kind hold request forms
func (k Kind) HasForms() bool {
	return k == KindGRPC || k == KindThrift
}

const (
	AuthMethodPlaintext = "plaintext"
	AuthMethodSASLSSL   = "sasl_ssl"
)

// Config holds the kind-specific connection settings of a project
type Config struct {
	Address       string `json:"address"`
	AuthMethod    string `json:"authMethod,omitempty"`
	AuthUsername  string `json:"authUsername,omitempty"`
	AuthPassword  string `json:"authPassword,omitempty"`
	Namespace     string `json:"namespace,omitempty"`
	IsMultiplexed bool   `json:"isMultiplexed,omitempty"`
}

// Header is a single key/value pair attached to outgoing requests
type Header struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Form is one saved request configuration and its last result
type Form struct {
	ID          string   `json:"id"`
	Address     string   `json:"address"`
	OperationID string   `json:"operationID"`
	Payload     string   `json:"payload"`
	Response    string   `json:"response"`
	Headers     []Header `json:"headers"`
	InFlight    bool     `json:"inFlight"`
}

// SessionStatus is the lifecycle position of a streaming session
type SessionStatus string

const (
	SessionAbsent SessionStatus = ""
	SessionArmed  SessionStatus = "armed"
	SessionActive SessionStatus = "active"
)

// MarkerStrategy selects where a streaming session starts reading
type MarkerStrategy string

const (
	MarkerTime   MarkerStrategy = "time"
	MarkerOffset MarkerStrategy = "offset"
	MarkerNewest MarkerStrategy = "newest"
	MarkerOldest MarkerStrategy = "oldest"
)

// Marker is the read-from cursor of a streaming session
type Marker struct {
	Strategy MarkerStrategy `json:"strategy"`
	Time     time.Time      `json:"time,omitempty"`
	Offset   int64          `json:"offset,omitempty"`
}

// HoursAgo returns a time marker positioned n hours before now
func HoursAgo(n int) Marker {
	return Marker{
		Strategy: MarkerTime,
		Time:     time.Now().Add(-time.Duration(n) * time.Hour).Truncate(time.Second),
	}
}

// IsZero reports whether no marker has been recorded
func (m Marker) IsZero() bool {
	return m.Strategy == "" && m.Time.IsZero() && m.Offset == 0
}

// Partition summarises offsets of one partition of a consumed resource
type Partition struct {
	ID                 int   `json:"id"`
	OffsetTotalStart   int64 `json:"offsetTotalStart"`
	OffsetTotalEnd     int64 `json:"offsetTotalEnd"`
	OffsetCurrentStart int64 `json:"offsetCurrentStart"`
	OffsetCurrentEnd   int64 `json:"offsetCurrentEnd"`
}

// SessionMetadata is returned by the streaming backend on subscribe
type SessionMetadata struct {
	StartedAt    time.Time   `json:"startedAt"`
	CountTotal   int64       `json:"countTotal"`
	CountCurrent int64       `json:"countCurrent"`
	Partitions   []Partition `json:"partitions"`
}

// Event is a single push event received by an active session
type Event struct {
	ReceivedAt time.Time       `json:"receivedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// Session is the streaming consumption state of a project
type Session struct {
	Status   SessionStatus    `json:"status"`
	Resource string           `json:"resource"`
	From     Marker           `json:"from"`
	Metadata *SessionMetadata `json:"metadata,omitempty"`
	Events   []Event          `json:"events"`
}

// Active reports whether the session currently holds a subscription
func (s Session) Active() bool {
	return s.Status == SessionActive
}

// Node is one entry of a descriptor tree
type Node struct {
	ID         string `json:"id"`
	Label      string `json:"label"`
	Selectable bool   `json:"selectable"`
	Children   []Node `json:"children"`
}

// Project is an independently configured workspace for one endpoint
type Project struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Kind          Kind     `json:"kind"`
	Config        Config   `json:"config"`
	Forms         []Form   `json:"forms"`
	CurrentFormID string   `json:"currentFormID"`
	ImportPaths   []string `json:"importPaths"`
	SchemaFiles   []string `json:"schemaFiles"`
	Reflected     bool     `json:"reflected"`
	Descriptors   []Node   `json:"descriptors"`
	Session       Session  `json:"session"`
	Error         string   `json:"error"`
}

// FormIndex returns the position of the form with the given ID, or -1
func (p *Project) FormIndex(formID string) int {
	for i := range p.Forms {
		if p.Forms[i].ID == formID {
			return i
		}
	}
	return -1
}

// FormByID returns a pointer into p.Forms, or nil when absent
func (p *Project) FormByID(formID string) *Form {
	if i := p.FormIndex(formID); i >= 0 {
		return &p.Forms[i]
	}
	return nil
}

// Workspace is the global set of open projects
type Workspace struct {
	Projects         map[string]Project `json:"projects"`
	ProjectIDs       []string           `json:"projectIDs"`
	CurrentProjectID string             `json:"currentProjectID"`
}

// Clone returns a deep copy of p
func (p Project) Clone() Project {
	c := p
	c.Forms = cloneForms(p.Forms)
	c.ImportPaths = cloneStrings(p.ImportPaths)
	c.SchemaFiles = cloneStrings(p.SchemaFiles)
	c.Descriptors = cloneNodes(p.Descriptors)
	c.Session = p.Session.Clone()
	return c
}

// Clone returns a deep copy of f
func (f Form) Clone() Form {
	c := f
	if f.Headers != nil {
		c.Headers = make([]Header, len(f.Headers))
		copy(c.Headers, f.Headers)
	}
	return c
}

// Clone returns a deep copy of s
func (s Session) Clone() Session {
	c := s
	if s.Metadata != nil {
		md := *s.Metadata
		if s.Metadata.Partitions != nil {
			md.Partitions = make([]Partition, len(s.Metadata.Partitions))
			copy(md.Partitions, s.Metadata.Partitions)
		}
		c.Metadata = &md
	}
	if s.Events != nil {
		c.Events = make([]Event, len(s.Events))
		copy(c.Events, s.Events)
	}
	return c
}

// Clone returns a deep copy of w
func (w Workspace) Clone() Workspace {
	c := Workspace{
		Projects:         make(map[string]Project, len(w.Projects)),
		ProjectIDs:       cloneStrings(w.ProjectIDs),
		CurrentProjectID: w.CurrentProjectID,
	}
	for id, p := range w.Projects {
		c.Projects[id] = p.Clone()
	}
	return c
}

func cloneForms(forms []Form) []Form {
	if forms == nil {
		return nil
	}
	out := make([]Form, len(forms))
	for i, f := range forms {
		out[i] = f.Clone()
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneNodes(nodes []Node) []Node {
	if nodes == nil {
		return nil
	}
	out := make([]Node, len(nodes))
	for i, n := range nodes {
		out[i] = n
		out[i].Children = cloneNodes(n.Children)
	}
	return out
}
