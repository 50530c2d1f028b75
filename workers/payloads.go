package workers

// Task types dispatched by the queue. Payloads are opaque JSON interpreted
// only by the matching handler.
const (
	TaskOnboardCompetitors = "onboard_competitors"
	TaskSyncStats          = "sync_competitor_stats"
	TaskRefreshTotals      = "refresh_totals"
	TaskSyncTeam           = "sync_team"
)

type OnboardCompetitorsPayload struct {
	CompetitorIDs []string `json:"competitor_ids,omitempty"`
	CoachID       string   `json:"coach_id,omitempty"`
	BatchSize     int      `json:"batch_size,omitempty"`
	OnlyActive    bool     `json:"only_active,omitempty"`
}

// SyncStatsPayload drives a wave stats sync. RunID, Cursor, and
// FlashCtfEnabled are written back onto the job between pages so an
// interrupted wave resumes instead of restarting.
type SyncStatsPayload struct {
	DryRun            bool   `json:"dry_run,omitempty"`
	CoachID           string `json:"coach_id,omitempty"`
	ForceFullSync     bool   `json:"force_full_sync,omitempty"`
	ForceFlashCtfSync bool   `json:"force_flash_ctf_sync,omitempty"`
	BatchSize         int    `json:"batch_size,omitempty"`

	RunID           string `json:"run_id,omitempty"`
	Cursor          string `json:"cursor,omitempty"`
	FlashCtfEnabled *bool  `json:"flash_ctf_enabled,omitempty"`
}

type RefreshTotalsPayload struct {
	BatchSize int    `json:"batch_size,omitempty"`
	CoachID   string `json:"coach_id,omitempty"`
	ForceAll  bool   `json:"force_all,omitempty"`
	Cursor    string `json:"cursor,omitempty"`
}

type SyncTeamPayload struct {
	TeamID string `json:"team_id"`
	Delete bool   `json:"delete,omitempty"`
}
