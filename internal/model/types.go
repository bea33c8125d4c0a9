package model

import (
	"fmt"
	"strings"
	"time"
)

type SessionState string

const (
	SessionIdle         SessionState = "IDLE"
	SessionAnalyzing    SessionState = "ANALYZING"
	SessionDiscovering  SessionState = "DISCOVERING"
	SessionPlanning     SessionState = "PLANNING"
	SessionExecuting    SessionState = "EXECUTING"
	SessionReviewing    SessionState = "REVIEWING"
	SessionPRCreation   SessionState = "PR_CREATION"
	SessionPRMonitoring SessionState = "PR_MONITORING"
	SessionPRFixing     SessionState = "PR_FIXING"
	SessionPRMerging    SessionState = "PR_MERGING"
	SessionCompleting   SessionState = "COMPLETING"
	SessionDone         SessionState = "DONE"
	SessionBlocked      SessionState = "BLOCKED"
	SessionPaused       SessionState = "PAUSED"
	SessionStopped      SessionState = "STOPPED"
)

// Terminal reports whether no transition may leave the state.
func (s SessionState) Terminal() bool {
	return s == SessionDone || s == SessionStopped
}

type StoryStatus string

const (
	StoryQueued              StoryStatus = "queued"
	StoryExecuting           StoryStatus = "executing"
	StoryReviewing           StoryStatus = "reviewing"
	StoryPRCreation          StoryStatus = "pr_creation"
	StoryPRMonitoring        StoryStatus = "pr_monitoring"
	StoryPRFixing            StoryStatus = "pr_fixing"
	StoryPRMerging           StoryStatus = "pr_merging"
	StoryCompleting          StoryStatus = "completing"
	StoryDone                StoryStatus = "done"
	StoryBlocked             StoryStatus = "blocked"
	StoryBlockedByDependency StoryStatus = "blocked_by_dependency"
	StorySkipped             StoryStatus = "skipped"
)

// Terminal reports whether the story will not be worked on again without an unblock.
func (s StoryStatus) Terminal() bool {
	switch s {
	case StoryDone, StorySkipped, StoryBlocked, StoryBlockedByDependency:
		return true
	}
	return false
}

// Active reports whether an agent is (or should be) working the story.
func (s StoryStatus) Active() bool {
	return s != StoryQueued && !s.Terminal()
}

// SessionState maps an active story phase onto the session state that mirrors it.
func (s StoryStatus) SessionState() (SessionState, bool) {
	switch s {
	case StoryExecuting:
		return SessionExecuting, true
	case StoryReviewing:
		return SessionReviewing, true
	case StoryPRCreation:
		return SessionPRCreation, true
	case StoryPRMonitoring:
		return SessionPRMonitoring, true
	case StoryPRFixing:
		return SessionPRFixing, true
	case StoryPRMerging:
		return SessionPRMerging, true
	case StoryCompleting:
		return SessionCompleting, true
	}
	return "", false
}

type AgentType string

const (
	AgentTypeImplementer AgentType = "implementer"
	AgentTypeReviewer    AgentType = "reviewer"
	AgentTypeFixer       AgentType = "fixer"
)

type AgentStatus string

const (
	AgentStatusPending   AgentStatus = "pending"
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusIdle      AgentStatus = "idle"
	AgentStatusPaused    AgentStatus = "paused"
	AgentStatusDone      AgentStatus = "done"
	AgentStatusFailed    AgentStatus = "failed"
	AgentStatusAbandoned AgentStatus = "abandoned"
)

func (s AgentStatus) Terminal() bool {
	return s == AgentStatusDone || s == AgentStatusFailed || s == AgentStatusAbandoned
}

type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierStandard ModelTier = "standard"
	TierCapable  ModelTier = "capable"
)

var tierOrder = []ModelTier{TierFast, TierStandard, TierCapable}

// Rank orders tiers from cheapest to most capable. Unknown tiers rank -1.
func (t ModelTier) Rank() int {
	for i, candidate := range tierOrder {
		if candidate == t {
			return i
		}
	}
	return -1
}

// Next returns the tier one step more capable, saturating at TierCapable.
func (t ModelTier) Next() ModelTier {
	rank := t.Rank()
	if rank < 0 {
		return TierStandard
	}
	if rank+1 >= len(tierOrder) {
		return TierCapable
	}
	return tierOrder[rank+1]
}

func ParseModelTier(raw string) (ModelTier, bool) {
	tier := ModelTier(strings.ToLower(strings.TrimSpace(raw)))
	return tier, tier.Rank() >= 0
}

type ContinuationReason string

const (
	ContinueReviewFeedback     ContinuationReason = "ReviewFeedback"
	ContinueTestFailures       ContinuationReason = "TestFailures"
	ContinueIncompleteCriteria ContinuationReason = "IncompleteCriteria"
	ContinueAdditionalTask     ContinuationReason = "AdditionalTask"
)

type ContinuationStatus string

const (
	ContinuationPending   ContinuationStatus = "pending"
	ContinuationDelivered ContinuationStatus = "delivered"
	ContinuationCompleted ContinuationStatus = "completed"
	ContinuationFailed    ContinuationStatus = "failed"
)

type EvaluationStatus string

const (
	EvaluationComplete   EvaluationStatus = "complete"
	EvaluationIncomplete EvaluationStatus = "incomplete"
)

type CheckConclusion string

const (
	CheckSuccess   CheckConclusion = "success"
	CheckFailure   CheckConclusion = "failure"
	CheckPending   CheckConclusion = "pending"
	CheckCancelled CheckConclusion = "cancelled"
	CheckSkipped   CheckConclusion = "skipped"
	CheckUnknown   CheckConclusion = "unknown"
)

type ReviewVerdict string

const (
	VerdictApproved         ReviewVerdict = "Approved"
	VerdictChangesRequested ReviewVerdict = "ChangesRequested"
	VerdictNeedsDiscussion  ReviewVerdict = "NeedsDiscussion"
)

func ParseReviewVerdict(raw string) (ReviewVerdict, bool) {
	normalized := strings.ToLower(strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.TrimSpace(raw)))
	switch normalized {
	case "approved", "approve", "pass", "passed":
		return VerdictApproved, true
	case "changesrequested", "requestchanges", "fail", "failed":
		return VerdictChangesRequested, true
	case "needsdiscussion", "discuss":
		return VerdictNeedsDiscussion, true
	}
	return "", false
}

type IssueSeverity string

const (
	SeverityCritical IssueSeverity = "CRITICAL"
	SeverityHigh     IssueSeverity = "HIGH"
	SeverityMedium   IssueSeverity = "MEDIUM"
	SeverityLow      IssueSeverity = "LOW"
)

func (s IssueSeverity) Blocking() bool {
	return s == SeverityCritical || s == SeverityHigh
}

func ParseIssueSeverity(raw string) (IssueSeverity, bool) {
	severity := IssueSeverity(strings.ToUpper(strings.TrimSpace(raw)))
	switch severity {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return severity, true
	}
	return "", false
}

type StuckType string

const (
	StuckTurnLimitApproaching    StuckType = "TurnLimitApproaching"
	StuckNoProgress              StuckType = "NoProgress"
	StuckCiTimeout               StuckType = "CiTimeout"
	StuckReviewDelay             StuckType = "ReviewDelay"
	StuckMergeConflict           StuckType = "MergeConflict"
	StuckRateLimited             StuckType = "RateLimited"
	StuckContextLimitApproaching StuckType = "ContextLimitApproaching"
)

var AllStuckTypes = []StuckType{
	StuckTurnLimitApproaching,
	StuckNoProgress,
	StuckCiTimeout,
	StuckReviewDelay,
	StuckMergeConflict,
	StuckRateLimited,
	StuckContextLimitApproaching,
}

type StuckSeverity string

const (
	StuckWarning  StuckSeverity = "warning"
	StuckCritical StuckSeverity = "critical"
)

func (s StuckSeverity) Rank() int {
	if s == StuckCritical {
		return 1
	}
	return 0
}

type ResolvedBy string

const (
	ResolvedByRecovery         ResolvedBy = "recovery"
	ResolvedByManual           ResolvedBy = "manual"
	ResolvedByConditionCleared ResolvedBy = "condition_cleared"
)

type RecoveryAction string

const (
	ActionPauseAlert       RecoveryAction = "PauseAlert"
	ActionModelEscalation  RecoveryAction = "ModelEscalation"
	ActionSpawnFixer       RecoveryAction = "SpawnFixer"
	ActionForkRetry        RecoveryAction = "ForkRetry"
	ActionEscalateToParent RecoveryAction = "EscalateToParent"
)

type RecoveryOutcome string

const (
	OutcomePending   RecoveryOutcome = "pending"
	OutcomeResolved  RecoveryOutcome = "resolved"
	OutcomeFailed    RecoveryOutcome = "failed"
	OutcomeEscalated RecoveryOutcome = "escalated"
)

type EdgeCaseKind string

const (
	EdgeDelayedReview     EdgeCaseKind = "delayed_review"
	EdgeMergeConflict     EdgeCaseKind = "merge_conflict"
	EdgeFlakyTest         EdgeCaseKind = "flaky_test"
	EdgeExternalOutage    EdgeCaseKind = "external_outage"
	EdgeDependencyFailure EdgeCaseKind = "dependency_failure"
	EdgeReviewPingPong    EdgeCaseKind = "review_ping_pong"
	EdgeContextOverflow   EdgeCaseKind = "context_overflow"
)

type UnblockAction string

const (
	UnblockRetry           UnblockAction = "retry"
	UnblockSkip            UnblockAction = "skip"
	UnblockEscalateFurther UnblockAction = "escalate-further"
)

func ParseUnblockAction(raw string) (UnblockAction, error) {
	action := UnblockAction(strings.ToLower(strings.TrimSpace(raw)))
	switch action {
	case UnblockRetry, UnblockSkip, UnblockEscalateFurther:
		return action, nil
	}
	return "", fmt.Errorf("unknown unblock action %q (want retry, skip or escalate-further)", raw)
}

// WorkRef identifies a story within an epic.
type WorkRef struct {
	EpicID  string `json:"epic_id"`
	StoryID string `json:"story_id"`
}

func (r WorkRef) String() string {
	return r.EpicID + "/" + r.StoryID
}

func (r WorkRef) IsZero() bool {
	return r.EpicID == "" && r.StoryID == ""
}

// ParseWorkRef accepts EPIC/STORY.
func ParseWorkRef(raw string) (WorkRef, error) {
	epic, story, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok || strings.TrimSpace(epic) == "" || strings.TrimSpace(story) == "" {
		return WorkRef{}, fmt.Errorf("invalid work reference %q (want EPIC/STORY)", raw)
	}
	return WorkRef{EpicID: strings.TrimSpace(epic), StoryID: strings.TrimSpace(story)}, nil
}

type SessionConfig struct {
	MaxAgents     int    `json:"max_agents"`
	MaxRetries    int    `json:"max_retries"`
	DryRun        bool   `json:"dry_run"`
	AutoMerge     bool   `json:"auto_merge"`
	ModelOverride string `json:"model_override,omitempty"`
	BaseBranch    string `json:"base_branch,omitempty"`
}

type Metrics struct {
	StoriesCompleted int   `json:"stories_completed"`
	StoriesFailed    int   `json:"stories_failed"`
	ReviewsPassed    int   `json:"reviews_passed"`
	ReviewsFailed    int   `json:"reviews_failed"`
	TotalIterations  int   `json:"total_iterations"`
	AgentsSpawned    int   `json:"agents_spawned"`
	TokensUsed       int64 `json:"tokens_used"`
}

type Session struct {
	ID             string        `json:"id"`
	State          SessionState  `json:"state"`
	ResumeState    SessionState  `json:"resume_state,omitempty"`
	Pattern        string        `json:"pattern"`
	RepoRoot       string        `json:"repo_root"`
	StartedAt      time.Time     `json:"started_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	CurrentEpicID  string        `json:"current_epic_id,omitempty"`
	CurrentStoryID string        `json:"current_story_id,omitempty"`
	CurrentAgentID string        `json:"current_agent_id,omitempty"`
	Config         SessionConfig `json:"config"`
	WorkQueue      []WorkRef     `json:"work_queue"`
	CompletedItems []WorkRef     `json:"completed_items"`
	Metrics        Metrics       `json:"metrics"`
	PlanDigest     string        `json:"plan_digest,omitempty"`
	BlockedReason  string        `json:"blocked_reason,omitempty"`
	Version        int64         `json:"version"`
}

func (s Session) CurrentRef() WorkRef {
	return WorkRef{EpicID: s.CurrentEpicID, StoryID: s.CurrentStoryID}
}

type Criterion struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

type WorkItem struct {
	SessionID          string             `json:"session_id"`
	EpicID             string             `json:"epic_id"`
	StoryID            string             `json:"story_id"`
	EpicIndex          int                `json:"epic_index"`
	StoryIndex         int                `json:"story_index"`
	Title              string             `json:"title"`
	Description        string             `json:"description,omitempty"`
	AcceptanceCriteria []Criterion        `json:"acceptance_criteria"`
	Files              []string           `json:"files,omitempty"`
	DependsOn          []WorkRef          `json:"depends_on,omitempty"`
	SourcePath         string             `json:"source_path"`
	SourceDigest       string             `json:"source_digest,omitempty"`
	Status             StoryStatus        `json:"status"`
	AgentID            string             `json:"agent_id,omitempty"`
	WorktreeID         string             `json:"worktree_id,omitempty"`
	WorktreePath       string             `json:"worktree_path,omitempty"`
	Branch             string             `json:"branch,omitempty"`
	PRNumber           int                `json:"pr_number,omitempty"`
	PRURL              string             `json:"pr_url,omitempty"`
	ReviewIterations   int                `json:"review_iterations"`
	CIFixIterations    int                `json:"ci_fix_iterations"`
	WaitAttempts       int                `json:"wait_attempts"`
	WaitedMS           int64              `json:"waited_ms"`
	RetryCount         int                `json:"retry_count"`
	RetriedAt          *time.Time         `json:"retried_at,omitempty"`
	ModelTier          ModelTier          `json:"model_tier,omitempty"`
	ForceTier          ModelTier          `json:"force_tier,omitempty"`
	BlockedReason      string             `json:"blocked_reason,omitempty"`
	LastSignal         string             `json:"last_signal,omitempty"`
	// BuildStatus and LintStatus are the last build and lint results the
	// story's agent reported; a continuation clears them.
	BuildStatus        CheckConclusion    `json:"build_status,omitempty"`
	LintStatus         CheckConclusion    `json:"lint_status,omitempty"`
	LastPushAt         *time.Time         `json:"last_push_at,omitempty"`
	PROpenedAt         *time.Time         `json:"pr_opened_at,omitempty"`
	NextPollAt         *time.Time         `json:"next_poll_at,omitempty"`
	// PendingMessage is delivered to the story's agent once NextPollAt has
	// passed: a wait that elapsed, a rate-limited call or a resumed session.
	PendingMessage     string             `json:"pending_message,omitempty"`
	PendingReason      ContinuationReason `json:"pending_reason,omitempty"`
	ReviewRequestedAt  *time.Time         `json:"review_requested_at,omitempty"`
	Mergeable          *bool              `json:"mergeable,omitempty"`
	ConflictingFiles   []string           `json:"conflicting_files,omitempty"`
	LastHostReviewID   int64              `json:"last_host_review_id,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func (w WorkItem) Ref() WorkRef {
	return WorkRef{EpicID: w.EpicID, StoryID: w.StoryID}
}

type AgentRecord struct {
	ID                 string      `json:"id"`
	SessionID          string      `json:"session_id"`
	EpicID             string      `json:"epic_id"`
	StoryID            string      `json:"story_id"`
	Type               AgentType   `json:"type"`
	Model              string      `json:"model"`
	Tier               ModelTier   `json:"tier"`
	Status             AgentStatus `json:"status"`
	Handle             string      `json:"handle,omitempty"`
	TurnsUsed          int         `json:"turns_used"`
	MaxTurns           int         `json:"max_turns"`
	TurnsSinceProgress int         `json:"turns_since_progress"`
	ContextTokens      int         `json:"context_tokens"`
	ContextWindow      int         `json:"context_window"`
	LastOutputAt       *time.Time  `json:"last_output_at,omitempty"`
	LastProgressAt     *time.Time  `json:"last_progress_at,omitempty"`
	RateLimitedAt      *time.Time  `json:"rate_limited_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

func (a AgentRecord) Ref() WorkRef {
	return WorkRef{EpicID: a.EpicID, StoryID: a.StoryID}
}

type AgentContinuation struct {
	ID        string             `json:"id"`
	AgentID   string             `json:"agent_id"`
	SessionID string             `json:"session_id"`
	Reason    ContinuationReason `json:"reason"`
	Message   string             `json:"message"`
	Status    ContinuationStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

type WorkEvaluation struct {
	ID                 string           `json:"id"`
	SessionID          string           `json:"session_id"`
	EpicID             string           `json:"epic_id"`
	StoryID            string           `json:"story_id"`
	AgentID            string           `json:"agent_id,omitempty"`
	Status             EvaluationStatus `json:"status"`
	CriteriaTotal      int              `json:"criteria_total"`
	CriteriaMet        int              `json:"criteria_met"`
	UnmetCriteria      []string         `json:"unmet_criteria,omitempty"`
	CIStatus           CheckConclusion  `json:"ci_status"`
	FailingChecks      []string         `json:"failing_checks,omitempty"`
	ReviewVerdict      ReviewVerdict    `json:"review_verdict,omitempty"`
	OpenBlockingIssues int              `json:"open_blocking_issues"`
	BuildStatus        CheckConclusion  `json:"build_status"`
	LintStatus         CheckConclusion  `json:"lint_status"`
	HasPR              bool             `json:"has_pr"`
	Mergeable          *bool            `json:"mergeable,omitempty"`
	Feedback           string           `json:"feedback,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

type StuckAgentDetection struct {
	ID              string         `json:"id"`
	AgentID         string         `json:"agent_id"`
	SessionID       string         `json:"session_id"`
	EpicID          string         `json:"epic_id"`
	StoryID         string         `json:"story_id"`
	Type            StuckType      `json:"type"`
	Severity        StuckSeverity  `json:"severity"`
	Detail          string         `json:"detail"`
	SuggestedAction RecoveryAction `json:"suggested_action,omitempty"`
	DetectedAt      time.Time      `json:"detected_at"`
	Resolved        bool           `json:"resolved"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy      ResolvedBy     `json:"resolved_by,omitempty"`
}

type RecoveryAttempt struct {
	ID          string          `json:"id"`
	DetectionID string          `json:"detection_id"`
	Sequence    int             `json:"sequence"`
	Action      RecoveryAction  `json:"action"`
	Outcome     RecoveryOutcome `json:"outcome"`
	Detail      string          `json:"detail,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

type ReviewIssue struct {
	Severity IssueSeverity `json:"severity"`
	Text     string        `json:"text"`
}

type CodeReviewResult struct {
	ID        string        `json:"id"`
	SessionID string        `json:"session_id"`
	EpicID    string        `json:"epic_id"`
	StoryID   string        `json:"story_id"`
	Iteration int           `json:"iteration"`
	Verdict   ReviewVerdict `json:"verdict"`
	Issues    []ReviewIssue `json:"issues,omitempty"`
	Feedback  string        `json:"feedback,omitempty"`
	Reviewer  string        `json:"reviewer,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// MaxSeverity returns the most severe issue, or "" when there are none.
func (r CodeReviewResult) MaxSeverity() IssueSeverity {
	order := map[IssueSeverity]int{SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3, SeverityCritical: 4}
	best := IssueSeverity("")
	for _, issue := range r.Issues {
		if order[issue.Severity] > order[best] {
			best = issue.Severity
		}
	}
	return best
}

func (r CodeReviewResult) BlockingIssues() int {
	count := 0
	for _, issue := range r.Issues {
		if issue.Severity.Blocking() {
			count++
		}
	}
	return count
}

type CiCheckResult struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	EpicID     string          `json:"epic_id"`
	StoryID    string          `json:"story_id"`
	Name       string          `json:"name"`
	Conclusion CheckConclusion `json:"conclusion"`
	DetailsURL string          `json:"details_url,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
	CreatedAt  time.Time       `json:"created_at"`
}

type EdgeCaseEvent struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"session_id"`
	EpicID     string       `json:"epic_id,omitempty"`
	StoryID    string       `json:"story_id,omitempty"`
	Kind       EdgeCaseKind `json:"kind"`
	Detail     string       `json:"detail"`
	Resolution string       `json:"resolution,omitempty"`
	RetryCount int          `json:"retry_count"`
	CreatedAt  time.Time    `json:"created_at"`
}

type EventRecord struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	EventType  string    `json:"event_type"`
	FromState  string    `json:"from_state,omitempty"`
	ToState    string    `json:"to_state,omitempty"`
	Message    string    `json:"message,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
