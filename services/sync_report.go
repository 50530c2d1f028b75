package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"coach-sync-system/models"
	"coach-sync-system/utils"

	"github.com/gosimple/slug"
)

// ArchiveRunReport uploads a JSON summary of a finalized sync run to R2.
// Best-effort: archiving failures are logged, never propagated — the run
// itself already finished.
func ArchiveRunReport(ctx context.Context, run *models.SyncRun) {
	if !utils.R2Enabled() {
		return
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		log.Printf("[REPORT] ⚠️ Failed to encode run report %s: %v", run.ID, err)
		return
	}
	key := fmt.Sprintf("sync-runs/%s/%s.json", slug.Make(run.SyncType), run.ID)
	if err := utils.UploadBytesToR2(ctx, key, "application/json", data); err != nil {
		log.Printf("[REPORT] ⚠️ Failed to archive run report %s: %v", run.ID, err)
		return
	}
	log.Printf("[REPORT] ✅ Archived sync run report to %s", key)
}
