package ssh

import (
	"sort"
	"sync"
	"time"

	"sshmitm/ssh/forwarder"
)

// TransferRecord is one file or directory record announced on an
// intercepted scp stream.
type TransferRecord struct {
	Kind string `json:"kind"`
	Mode string `json:"mode"`
	Size int    `json:"size"`
	Name string `json:"name"`
}

// SessionRecord describes one intercepted command for the audit
// endpoint.
type SessionRecord struct {
	ID         uint64           `json:"id"`
	RemoteAddr string           `json:"remote-addr"`
	User       string           `json:"user"`
	Command    string           `json:"command"`
	StartedAt  time.Time        `json:"started-at"`
	FinishedAt *time.Time       `json:"finished-at,omitempty"`
	Transfers  []TransferRecord `json:"transfers,omitempty"`
	LastStatus *byte            `json:"last-status,omitempty"`
}

// Registry tracks intercepted sessions for the audit web server.
type Registry struct {
	mu       sync.Mutex
	nextID   uint64
	sessions map[uint64]*SessionRecord
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uint64]*SessionRecord)}
}

func (r *Registry) Register(user, remoteAddr, command string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.sessions[r.nextID] = &SessionRecord{
		ID:         r.nextID,
		RemoteAddr: remoteAddr,
		User:       user,
		Command:    command,
		StartedAt:  time.Now(),
	}
	return r.nextID
}

func (r *Registry) Finish(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.sessions[id]
	if !ok || record.FinishedAt != nil {
		return
	}
	now := time.Now()
	record.FinishedAt = &now
}

func (r *Registry) AddTransfer(id uint64, transfer TransferRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.sessions[id]; ok {
		record.Transfers = append(record.Transfers, transfer)
	}
}

func (r *Registry) NoteResponse(id uint64, status byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record, ok := r.sessions[id]; ok {
		record.LastStatus = &status
	}
}

// Snapshot returns a copy of all records ordered by id.
func (r *Registry) Snapshot() []SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	records := make([]SessionRecord, 0, len(r.sessions))
	for _, record := range r.sessions {
		copied := *record
		copied.Transfers = append([]TransferRecord(nil), record.Transfers...)
		records = append(records, copied)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

// auditPolicy mirrors parsed control lines into the registry; payload
// and stderr pass through untouched.
type auditPolicy struct {
	forwarder.NopPolicy
	registry *Registry
	id       uint64
}

func newAuditPolicy(registry *Registry, id uint64) *auditPolicy {
	return &auditPolicy{registry: registry, id: id}
}

func (p *auditPolicy) OnCommand(line []byte) []byte {
	if record, ok := forwarder.ParseControlLine(line); ok {
		p.registry.AddTransfer(p.id, TransferRecord{
			Kind: record.Command,
			Mode: record.Mode,
			Size: record.Size,
			Name: record.Name,
		})
	}
	return line
}

func (p *auditPolicy) OnResponse(traffic []byte) []byte {
	if len(traffic) > 0 {
		p.registry.NoteResponse(p.id, traffic[0])
	}
	return traffic
}
