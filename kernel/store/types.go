package store

import "github.com/ocapkernel/kernel/kernel/ids"

// CapData is the serialized payload crossing a boundary:
// a body referring to each slot by index, plus the krefs/erefs it names.
type CapData struct {
	Body  string   `json:"body"`
	Slots []string `json:"slots"`
}

// KernelObject is one kernel object. Reachable/recognizable are tracked via
// the refcount keys, not embedded here; this struct is the read-model
// returned by GetObject.
type KernelObject struct {
	KRef          ids.KRef
	Owner         ids.EndpointID
	Reachable     int64
	Recognizable  int64
	Revoked       bool
}

// PromiseState is the kernel promise's resolution state.
type PromiseState int

const (
	PromiseUnresolved PromiseState = iota
	PromiseFulfilled
	PromiseRejected
)

func (s PromiseState) String() string {
	switch s {
	case PromiseFulfilled:
		return "fulfilled"
	case PromiseRejected:
		return "rejected"
	default:
		return "unresolved"
	}
}

// KernelPromise is one kernel promise. Decider is nil once resolved.
type KernelPromise struct {
	KPID        ids.KRef
	State       PromiseState
	Decider     *ids.EndpointID
	Subscribers []ids.EndpointID
	Value       *CapData
	Slots       []ids.KRef
}

// EndpointRecord is an endpoint's read-model, assembled by
// GetEndpointRecord from the allocator, membership, and compromise keys.
type EndpointRecord struct {
	ID             ids.EndpointID
	NextObjectID   uint64
	NextPromiseID  uint64
	Subcluster     *ids.SubclusterID
	Compromised    bool
}

// SubclusterConfig is the persisted launch configuration. VatOrder records
// declaration order explicitly: launch walks it forward, terminate walks
// it backward, and a JSON object's key order is not a
// property Go's map preserves across a marshal/unmarshal round trip.
type SubclusterConfig struct {
	Bootstrap string             `json:"bootstrap"`
	Vats      map[string]VatSpec `json:"vats"`
	VatOrder  []string           `json:"vatOrder"`
	Services  []string           `json:"services,omitempty"`
}

// VatSpec is one entry of a SubclusterConfig's Vats map.
type VatSpec struct {
	SourceSpec      string         `json:"sourceSpec,omitempty"`
	BundleSpec      string         `json:"bundleSpec,omitempty"`
	BundleName      string         `json:"bundleName,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	CreationOptions map[string]any `json:"creationOptions,omitempty"`
}

// GCActionType is one of the three GC action kinds.
type GCActionType string

const (
	GCDropExport   GCActionType = "dropExport"
	GCRetireExport GCActionType = "retireExport"
	GCRetireImport GCActionType = "retireImport"
)

// GCAction is one pending (endpoint, type, kref) triple, stored as a set.
type GCAction struct {
	Endpoint ids.EndpointID
	Type     GCActionType
	KRef     ids.KRef
}
