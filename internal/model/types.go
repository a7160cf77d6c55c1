// Package model defines the data carried between pipeline stages.
//
// Every stage transition in the request pipeline (detection → planning →
// anonymization → dispatch → aggregation) hands off one of the types in this
// file. They are plain structs rather than untyped maps so a transition that
// drops or misreads a field fails to compile instead of failing at runtime.
package model

import "time"

// PIIKind classifies a detected entity span.
type PIIKind string

// Supported entity kinds.
const (
	KindPerson       PIIKind = "PERSON"
	KindEmail        PIIKind = "EMAIL"
	KindPhone        PIIKind = "PHONE"
	KindSSN          PIIKind = "SSN"
	KindCreditCard   PIIKind = "CREDIT_CARD"
	KindAddress      PIIKind = "ADDRESS"
	KindAPIKey       PIIKind = "API_KEY"
	KindMedicalID    PIIKind = "MEDICAL_ID"
	KindLocation     PIIKind = "LOCATION"
	KindOrganization PIIKind = "ORGANIZATION"
	KindCodeBlock    PIIKind = "CODE_BLOCK"
	KindOther        PIIKind = "OTHER"
)

// highRiskKinds drives the sensitivity score's has_high_risk_kind term.
var highRiskKinds = map[PIIKind]bool{
	KindSSN:        true,
	KindCreditCard: true,
	KindAPIKey:     true,
	KindMedicalID:  true,
}

// IsHighRisk reports whether kind is one of the high-risk kinds that forces
// the sensitivity score's has_high_risk_kind term to 1.
func (k PIIKind) IsHighRisk() bool { return highRiskKinds[k] }

// Entity is one detected span within the query text.
type Entity struct {
	Kind       PIIKind
	Start      int
	End        int
	Text       string
	Confidence float64
}

// DetectionReport is the immutable output of the Detection Engine (C1).
type DetectionReport struct {
	Entities         []Entity
	HasCode          bool
	CodeLanguage     string
	SensitivityScore float64
	// Degraded is true when a recognizer was unavailable and the report was
	// produced with an empty/partial entity set (DetectionUnavailable, soft).
	Degraded bool
}

// Strategy is a fragmentation strategy chosen by the Planner (C2).
type Strategy string

// Supported strategies. The Planner's selectStrategy checks them in the
// order PASS_THROUGH, HYBRID, CODE_ISOLATE, PII_ISOLATE, SEMANTIC_SPLIT.
const (
	StrategyPassThrough   Strategy = "PASS_THROUGH"
	StrategySemanticSplit Strategy = "SEMANTIC_SPLIT"
	StrategyPIIIsolate    Strategy = "PII_ISOLATE"
	StrategyCodeIsolate   Strategy = "CODE_ISOLATE"
	StrategyHybrid        Strategy = "HYBRID"
)

// FragmentKind classifies a fragment's content for routing purposes.
type FragmentKind string

// Supported fragment kinds.
const (
	FragmentGeneral FragmentKind = "GENERAL"
	FragmentPII     FragmentKind = "PII_BEARING"
	FragmentCode    FragmentKind = "CODE"
	FragmentContext FragmentKind = "CONTEXT"
)

// EntityMap is the bijection between original entity text and its
// placeholder, built by the Planner while walking detected spans in order.
// Placeholders use the form "KIND_<n>" (e.g. "PERSON_1", "EMAIL_1"), n
// starting at 1 per kind — spec.md §8 scenario S2 gives the EntityMap's
// literal values in this bracket-less form; see the Open Question decision
// in DESIGN.md reconciling it against §3/§4.2's "<KIND>_<n>" template.
type EntityMap struct {
	// originalToToken and tokenToOriginal are kept in lockstep; every
	// mutation goes through Add so the bijection invariant always holds.
	originalToToken map[string]string
	tokenToOriginal map[string]string
	counters        map[PIIKind]int
}

// NewEntityMap returns an empty EntityMap ready for use.
func NewEntityMap() *EntityMap {
	return &EntityMap{
		originalToToken: make(map[string]string),
		tokenToOriginal: make(map[string]string),
		counters:        make(map[PIIKind]int),
	}
}

// Add registers original (if not already present) and returns its
// placeholder token, allocating the next sequence number for kind.
func (m *EntityMap) Add(kind PIIKind, original string) string {
	if token, ok := m.originalToToken[original]; ok {
		return token
	}
	m.counters[kind]++
	token := placeholderFor(kind, m.counters[kind])
	m.originalToToken[original] = token
	m.tokenToOriginal[token] = original
	return token
}

func placeholderFor(kind PIIKind, n int) string {
	return string(kind) + "_" + itoa(n)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// Token returns the placeholder for original, if one was assigned.
func (m *EntityMap) Token(original string) (string, bool) {
	t, ok := m.originalToToken[original]
	return t, ok
}

// Original returns the original text for a placeholder token, if known.
func (m *EntityMap) Original(token string) (string, bool) {
	o, ok := m.tokenToOriginal[token]
	return o, ok
}

// Keys returns every original span text registered in the map (the
// "EntityMap keys" spec.md §8 invariant 1 refers to).
func (m *EntityMap) Keys() []string {
	out := make([]string, 0, len(m.originalToToken))
	for k := range m.originalToToken {
		out = append(out, k)
	}
	return out
}

// Tokens returns every placeholder registered in the map.
func (m *EntityMap) Tokens() []string {
	out := make([]string, 0, len(m.tokenToOriginal))
	for t := range m.tokenToOriginal {
		out = append(out, t)
	}
	return out
}

// Len reports the number of distinct original spans mapped.
func (m *EntityMap) Len() int { return len(m.originalToToken) }

// FragmentSpec is one unit of anonymized text assigned to exactly one
// provider.
type FragmentSpec struct {
	ID                   string
	AnonymizedText       string
	FragmentKind         FragmentKind
	RecommendedProviders []string
}

// FragmentationPlan is the output of the Fragmentation Planner (C2).
type FragmentationPlan struct {
	Strategy  Strategy
	Fragments []FragmentSpec
	EntityMap *EntityMap
}

// FragmentStatus is the terminal (or in-flight) status of one fragment's
// dispatch.
type FragmentStatus string

// Supported fragment statuses.
const (
	StatusPending   FragmentStatus = "PENDING"
	StatusInFlight  FragmentStatus = "IN_FLIGHT"
	StatusRetrying  FragmentStatus = "RETRYING"
	StatusOK        FragmentStatus = "OK"
	StatusTimeout   FragmentStatus = "TIMEOUT"
	StatusProviderErr FragmentStatus = "PROVIDER_ERROR"
	StatusCanceled  FragmentStatus = "CANCELED"
)

// Terminal reports whether s is one of the terminal states for a fragment.
func (s FragmentStatus) Terminal() bool {
	switch s {
	case StatusOK, StatusTimeout, StatusProviderErr, StatusCanceled:
		return true
	default:
		return false
	}
}

// FragmentResult is the per-fragment outcome of dispatch (C5).
type FragmentResult struct {
	FragmentID string
	ProviderID string
	Status     FragmentStatus
	Response   string
	TokensIn   int
	TokensOut  int
	Latency    time.Duration
	Cost       float64
	Confidence float64
}

// ProviderTally summarizes how many fragments one provider handled.
type ProviderTally struct {
	ProviderID        string
	FragmentsHandled int
}

// AggregatedResponse is the final merged output of the Aggregator (C6).
type AggregatedResponse struct {
	FinalText     string
	PrivacyScore  float64
	QualityScore  float64
	TotalCost     float64
	TotalLatency  time.Duration
	PerFragment   []FragmentResult
	PerProvider   []ProviderTally
	Diagnostics   []string
}

// Stage is a node in the Coordinator's state machine (C8).
type Stage string

// Supported stages, in pipeline order.
const (
	StageReceived     Stage = "RECEIVED"
	StageDetection    Stage = "DETECTION"
	StagePlanning     Stage = "PLANNING"
	StageAnonymization Stage = "ANONYMIZATION"
	StageDispatch     Stage = "DISPATCH"
	StageAggregation  Stage = "AGGREGATION"
	StageComplete     Stage = "COMPLETE"
	StageFailed       Stage = "FAILED"
)

// EventStatus is the status of a ProgressEvent within its stage.
type EventStatus string

// Supported event statuses.
const (
	EventStarted   EventStatus = "STARTED"
	EventProgress  EventStatus = "PROGRESS"
	EventCompleted EventStatus = "COMPLETED"
	EventFailed    EventStatus = "FAILED"
)

// ProgressEvent is one publish on the Progress Bus (C7).
type ProgressEvent struct {
	RequestID   string
	Stage       Stage
	Status      EventStatus
	ProgressPct float64
	Message     string
	Payload     any
	// TimestampMs is monotonic milliseconds since request submission, per
	// spec.md §6's wire-shape note.
	TimestampMs int64
}

// DispatchPhase labels one Dispatch Scheduler progress payload (§4.5).
type DispatchPhase string

// Supported dispatch phases.
const (
	PhaseStarted  DispatchPhase = "STARTED"
	PhaseCompleted DispatchPhase = "COMPLETED"
	PhaseFailed   DispatchPhase = "FAILED"
	PhaseRetrying DispatchPhase = "RETRYING"
)

// DispatchProgressPayload is the payload carried on DISPATCH/PROGRESS events.
type DispatchProgressPayload struct {
	FragmentID string        `json:"fragmentId"`
	ProviderID string        `json:"providerId"`
	Phase      DispatchPhase `json:"phase"`
}

// TerminalOutcome records how a RequestRecord was sealed.
type TerminalOutcome struct {
	OK    bool
	Error *PipelineError
}

// RequestRecord is the process-wide, Coordinator-owned state for one
// request (spec.md §3). It is exclusively mutated by its Coordinator and
// published only as read-only snapshots through the Progress Bus.
type RequestRecord struct {
	RequestID  string
	Query      string
	Plan       *FragmentationPlan
	Results    []FragmentResult
	Aggregated *AggregatedResponse
	Terminal   *TerminalOutcome
	SubmittedAt time.Time
}

// Snapshot returns a shallow copy safe to hand to the Progress Bus or
// StateStore; the RequestRecord itself remains Coordinator-owned.
func (r *RequestRecord) Snapshot() RequestRecord {
	cp := *r
	if r.Results != nil {
		cp.Results = append([]FragmentResult(nil), r.Results...)
	}
	return cp
}
