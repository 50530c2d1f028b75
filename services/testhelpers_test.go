package services

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"coach-sync-system/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&models.Coach{},
		&models.Competitor{},
		&models.Team{},
		&models.TeamMember{},
		&models.SyncState{},
		&models.SyncRun{},
		&models.ChallengeSolve{},
		&models.FlashCtfEvent{},
		&models.CompetitorStats{},
		&models.Job{},
	))
	return db
}

// fakeMetaCTF is an in-memory MetaCTF platform behind httptest.
type fakeMetaCTF struct {
	t  *testing.T
	mu sync.Mutex

	users       map[string]UserResult // by email
	userStatus  string                // metactf_user_status for created users
	odlSolves   map[string][]OdlSolve // by syned_user_id
	odlTotals   map[string]OdlScores  // totals + last_accessed, by syned_user_id
	flash       map[string][]FlashCtf // by syned_user_id
	assignments map[string]map[string]bool
	missingODL  map[string]bool // syned ids whose ODL feed 404s
	failODL     int             // 500s to serve before the next ODL success

	createUserCalls int
	createTeamCalls int
	odlCalls        int
	flashCalls      int

	server *httptest.Server
}

func newFakeMetaCTF(t *testing.T) *fakeMetaCTF {
	f := &fakeMetaCTF{
		t:           t,
		users:       make(map[string]UserResult),
		userStatus:  "user_created",
		odlSolves:   make(map[string][]OdlSolve),
		odlTotals:   make(map[string]OdlScores),
		flash:       make(map[string][]FlashCtf),
		assignments: make(map[string]map[string]bool),
		missingODL:  make(map[string]bool),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/users", f.handleCreateUser)
	mux.HandleFunc("GET /api/v1/users", f.handleGetUser)
	mux.HandleFunc("POST /api/v1/teams", f.handleCreateTeam)
	mux.HandleFunc("POST /api/v1/teams/assign", f.handleAssign(true))
	mux.HandleFunc("POST /api/v1/teams/unassign", f.handleAssign(false))
	mux.HandleFunc("GET /api/v1/teams/assignments", f.handleAssignments)
	mux.HandleFunc("GET /api/v1/scores/odl", f.handleOdl)
	mux.HandleFunc("GET /api/v1/scores/flash_ctf", f.handleFlash)
	mux.HandleFunc("POST /api/v1/teams/delete", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /api/v1/users/password_reset", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

// client returns a MetaCTFClient aimed at the fake with fast retries.
func (f *fakeMetaCTF) client(t *testing.T) *MetaCTFClient {
	t.Helper()
	c, err := NewMetaCTFClient(f.server.URL, StaticToken("test-token"))
	require.NoError(t, err)
	c.backoffBase = time.Millisecond
	c.backoffMax = 5 * time.Millisecond
	return c
}

func (f *fakeMetaCTF) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var req CreateUserRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	f.createUserCalls++
	user := UserResult{
		SynedUserID:       fmt.Sprintf("mcu-%d", len(f.users)+1),
		MetaCTFUserStatus: f.userStatus,
	}
	f.users[req.Email] = user
	writeJSON(w, http.StatusOK, user)
}

func (f *fakeMetaCTF) handleGetUser(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[r.URL.Query().Get("email")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "no such user"})
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (f *fakeMetaCTF) handleCreateTeam(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createTeamCalls++
	id := fmt.Sprintf("mct-%d", f.createTeamCalls)
	f.assignments[id] = make(map[string]bool)
	writeJSON(w, http.StatusOK, TeamResult{SynedTeamID: id})
}

func (f *fakeMetaCTF) handleAssign(assign bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		team := f.assignments[body["syned_team_id"]]
		if team == nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "no such team"})
			return
		}
		if assign {
			team[body["syned_user_id"]] = true
		} else {
			delete(team, body["syned_user_id"])
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (f *fakeMetaCTF) handleAssignments(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	team, ok := f.assignments[r.URL.Query().Get("syned_team_id")]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "no such team"})
		return
	}
	var out struct {
		Assignments []TeamAssignment `json:"assignments"`
	}
	for id := range team {
		out.Assignments = append(out.Assignments, TeamAssignment{SynedUserID: id})
	}
	writeJSON(w, http.StatusOK, out)
}

func (f *fakeMetaCTF) handleOdl(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.odlCalls++
	if f.failODL > 0 {
		f.failODL--
		writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "upstream hiccup"})
		return
	}
	uid := r.URL.Query().Get("syned_user_id")
	if f.missingODL[uid] {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "user not found"})
		return
	}
	scores := f.odlTotals[uid]
	scores.ChallengeSolves = nil
	after := int64(-1)
	if raw := r.URL.Query().Get("after_time_unix"); raw != "" {
		after, _ = strconv.ParseInt(raw, 10, 64)
	}
	for _, solve := range f.odlSolves[uid] {
		if solve.SolvedAtUnix > after {
			scores.ChallengeSolves = append(scores.ChallengeSolves, solve)
		}
	}
	writeJSON(w, http.StatusOK, scores)
}

func (f *fakeMetaCTF) handleFlash(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flashCalls++
	uid := r.URL.Query().Get("syned_user_id")
	writeJSON(w, http.StatusOK, FlashCtfProgress{FlashCtfs: f.flash[uid]})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ---- seed helpers ----

func seedCoach(t *testing.T, db *gorm.DB, approved bool) *models.Coach {
	t.Helper()
	coach := &models.Coach{
		ID:         uuid.NewString(),
		Role:       "coach",
		IsApproved: approved,
		FirstName:  "Dana",
		LastName:   "Rivera",
		Email:      fmt.Sprintf("coach-%s@example.org", uuid.NewString()[:8]),
		SchoolName: "riverside high",
		Region:     "NC",
	}
	require.NoError(t, db.Create(coach).Error)
	return coach
}

func seedCompetitor(t *testing.T, db *gorm.DB, coach *models.Coach, status models.CompetitorStatus) *models.Competitor {
	t.Helper()
	competitor := &models.Competitor{
		ID:        uuid.NewString(),
		CoachID:   coach.ID,
		FirstName: "Sam",
		LastName:  "Nguyen",
		Email:     fmt.Sprintf("comp-%s@example.org", uuid.NewString()[:8]),
		IsActive:  true,
		Status:    status,
	}
	require.NoError(t, db.Create(competitor).Error)
	return competitor
}

func seedOnboarded(t *testing.T, db *gorm.DB, coach *models.Coach, synedUserID string) *models.Competitor {
	t.Helper()
	competitor := seedCompetitor(t, db, coach, models.CompetitorStatusComplete)
	now := time.Now().UTC()
	require.NoError(t, db.Model(&models.Competitor{}).Where("id = ?", competitor.ID).Updates(map[string]interface{}{
		"syned_user_id": synedUserID,
		"syned_at":      now,
	}).Error)
	competitor.SynedUserID = &synedUserID
	return competitor
}
