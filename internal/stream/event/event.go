// Package event defines the change-event types flowing through the realtime
// insight pipeline. A Change is produced once by the source and never mutated
// downstream; routing, backlog, and delivery all share the same value.
package event

import (
	"fmt"
	"time"
)

// EntityKind identifies the kind of record a change refers to.
type EntityKind string

const (
	KindSessionReport  EntityKind = "session_report"
	KindSessionNote    EntityKind = "session_note"
	KindPatientInsight EntityKind = "patient_insight"
	KindPatient        EntityKind = "patient"
)

// ProtectedKinds lists the entity kinds whose payload fields carry PHI and
// must always arrive encrypted. A notification for one of these kinds with
// payload_encrypted=false is malformed and is dropped by the source.
var ProtectedKinds = map[EntityKind]bool{
	KindSessionReport:  true,
	KindSessionNote:    true,
	KindPatientInsight: true,
}

// Scope is the (tenant, patient) pair that partitions authorization, backlog
// retention, and router ordering.
type Scope struct {
	TenantID  string
	PatientID string
}

// Key returns the canonical scope key shared by all subscribers observing the
// same tenant/patient pair.
func (s Scope) Key() string {
	return s.TenantID + ":" + s.PatientID
}

// Change is a normalized database mutation relevant to downstream
// subscribers. Sequence numbers are assigned by the source, strictly
// increasing, never reused.
type Change struct {
	Sequence         uint64            `json:"sequence"`
	EntityKind       EntityKind        `json:"entity_kind"`
	EntityID         string            `json:"entity_id"`
	TenantID         string            `json:"tenant_id"`
	PatientID        string            `json:"patient_id"`
	OccurredAt       time.Time         `json:"occurred_at"`
	Payload          map[string]string `json:"payload"`
	PayloadEncrypted bool              `json:"payload_encrypted"`
}

// Scope returns the change's tenant/patient scope.
func (c *Change) Scope() Scope {
	return Scope{TenantID: c.TenantID, PatientID: c.PatientID}
}

// Validate checks the structural invariants a change must satisfy before it
// may enter the pipeline.
func (c *Change) Validate() error {
	if c.EntityKind == "" {
		return fmt.Errorf("change: missing entity_kind")
	}
	if c.EntityID == "" {
		return fmt.Errorf("change: missing entity_id")
	}
	if c.TenantID == "" || c.PatientID == "" {
		return fmt.Errorf("change: missing tenant_id or patient_id")
	}
	if ProtectedKinds[c.EntityKind] && !c.PayloadEncrypted {
		return fmt.Errorf("change: protected kind %q delivered unencrypted", c.EntityKind)
	}
	return nil
}

// Gap is the synthetic marker the source emits after reconnecting to the
// upstream channel. LastSequence is the last sequence seen before the
// connection was lost; the router uses it to replay the missed range per
// affected scope.
type Gap struct {
	LastSequence uint64
	DetectedAt   time.Time
}

// Message is the union the source emits: exactly one of Change or Gap is set.
type Message struct {
	Change *Change
	Gap    *Gap
}
