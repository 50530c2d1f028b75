package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// APIError is a non-2xx response from MetaCTF with the numeric status
// preserved, so callers can tell a stale reference (404) from a transient
// failure (5xx).
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("MetaCTF API returned %d", e.StatusCode)
	}
	return fmt.Sprintf("MetaCTF API returned %d: %s", e.StatusCode, e.Detail)
}

// IsNotFound reports whether err is a MetaCTF 404 (remote resource absent).
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// MetaCTFClient is the typed HTTP client for the MetaCTF platform. It retries
// 5xx/transport failures with exponential backoff and fails 4xx immediately.
// Creation endpoints are NOT safely repeatable on the MetaCTF side —
// idempotency guards live in the callers, not here.
type MetaCTFClient struct {
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client

	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

func NewMetaCTFClient(baseURL string, tokens TokenProvider) (*MetaCTFClient, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("METACTF_BASE_URL is not configured")
	}
	if tokens == nil {
		return nil, fmt.Errorf("MetaCTF token provider is required")
	}
	if _, err := tokens.Token(); err != nil {
		return nil, err
	}
	return &MetaCTFClient{
		baseURL:     baseURL,
		tokens:      tokens,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxAttempts: 3,
		backoffBase: 500 * time.Millisecond,
		backoffMax:  8 * time.Second,
	}, nil
}

// ---- Wire types ----

type CreateUserRequest struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	School    string `json:"school,omitempty"`
	Grade     string `json:"grade,omitempty"`
	Region    string `json:"region,omitempty"`
	Role      string `json:"role,omitempty"`
}

type UserResult struct {
	SynedUserID       string `json:"syned_user_id"`
	MetaCTFUserStatus string `json:"metactf_user_status"`
}

type CreateTeamRequest struct {
	TeamName         string `json:"team_name"`
	Division         string `json:"division"`
	Affiliation      string `json:"affiliation,omitempty"`
	CoachSynedUserID string `json:"coach_syned_user_id"`
}

type TeamResult struct {
	SynedTeamID string `json:"syned_team_id"`
}

type TeamAssignment struct {
	SynedUserID string `json:"syned_user_id"`
}

type OdlSolve struct {
	ChallengeSolveID  string `json:"challenge_solve_id"`
	ChallengeName     string `json:"challenge_name"`
	ChallengeCategory string `json:"challenge_category"`
	Points            int    `json:"points"`
	SolvedAtUnix      int64  `json:"solved_at_unix"`
}

type OdlScores struct {
	ChallengeSolves           []OdlSolve `json:"challenge_solves"`
	TotalChallengesSolved     int        `json:"total_challenges_solved"`
	TotalPoints               int        `json:"total_points"`
	LastAccessedUnixTimestamp int64      `json:"last_accessed_unix_timestamp"`
}

type FlashCtf struct {
	EventID          string     `json:"event_id"`
	FlashCtfName     string     `json:"flash_ctf_name"`
	ChallengesSolved int        `json:"challenges_solved"`
	PointsEarned     int        `json:"points_earned"`
	StartedAtUnix    int64      `json:"started_at_unix"`
	ChallengeSolves  []OdlSolve `json:"challenge_solves"`
}

type FlashCtfProgress struct {
	FlashCtfs []FlashCtf `json:"flash_ctfs"`
}

// ---- Operations ----

func (c *MetaCTFClient) CreateUser(ctx context.Context, req CreateUserRequest) (*UserResult, error) {
	var out UserResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/users", nil, req, &out); err != nil {
		return nil, err
	}
	if out.SynedUserID == "" {
		return nil, fmt.Errorf("MetaCTF create user did not return syned_user_id")
	}
	return &out, nil
}

// GetUserByEmail returns the MetaCTF user for an email, or a 404 *APIError if
// no such user exists yet.
func (c *MetaCTFClient) GetUserByEmail(ctx context.Context, email string) (*UserResult, error) {
	q := url.Values{"email": {email}}
	var out UserResult
	if err := c.do(ctx, http.MethodGet, "/api/v1/users", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *MetaCTFClient) CreateTeam(ctx context.Context, req CreateTeamRequest) (*TeamResult, error) {
	var out TeamResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/teams", nil, req, &out); err != nil {
		return nil, err
	}
	if out.SynedTeamID == "" {
		return nil, fmt.Errorf("MetaCTF create team did not return syned_team_id")
	}
	return &out, nil
}

// AssignUserToTeam is idempotent on the MetaCTF side (reassign is a no-op).
func (c *MetaCTFClient) AssignUserToTeam(ctx context.Context, synedTeamID, synedUserID string) error {
	body := map[string]string{"syned_team_id": synedTeamID, "syned_user_id": synedUserID}
	return c.do(ctx, http.MethodPost, "/api/v1/teams/assign", nil, body, nil)
}

func (c *MetaCTFClient) UnassignUserFromTeam(ctx context.Context, synedTeamID, synedUserID string) error {
	body := map[string]string{"syned_team_id": synedTeamID, "syned_user_id": synedUserID}
	return c.do(ctx, http.MethodPost, "/api/v1/teams/unassign", nil, body, nil)
}

func (c *MetaCTFClient) GetTeamAssignments(ctx context.Context, synedTeamID string) ([]TeamAssignment, error) {
	q := url.Values{"syned_team_id": {synedTeamID}}
	var out struct {
		Assignments []TeamAssignment `json:"assignments"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/teams/assignments", q, nil, &out); err != nil {
		return nil, err
	}
	return out.Assignments, nil
}

// GetOdlScores fetches the ODL score feed for one user. A nil after means
// full history; otherwise only solves after that instant are returned.
func (c *MetaCTFClient) GetOdlScores(ctx context.Context, synedUserID string, after *time.Time) (*OdlScores, error) {
	q := url.Values{"syned_user_id": {synedUserID}}
	if after != nil {
		q.Set("after_time_unix", strconv.FormatInt(after.Unix(), 10))
	}
	var out OdlScores
	if err := c.do(ctx, http.MethodGet, "/api/v1/scores/odl", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetFlashCtfProgress fetches all Flash CTF appearances for one user. The
// MetaCTF API has no incremental filter for this feed.
func (c *MetaCTFClient) GetFlashCtfProgress(ctx context.Context, synedUserID string) (*FlashCtfProgress, error) {
	q := url.Values{"syned_user_id": {synedUserID}}
	var out FlashCtfProgress
	if err := c.do(ctx, http.MethodGet, "/api/v1/scores/flash_ctf", q, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *MetaCTFClient) DeleteTeam(ctx context.Context, synedTeamID string) error {
	body := map[string]string{"syned_team_id": synedTeamID}
	return c.do(ctx, http.MethodPost, "/api/v1/teams/delete", nil, body, nil)
}

func (c *MetaCTFClient) SendPasswordReset(ctx context.Context, synedUserID string) error {
	body := map[string]string{"syned_user_id": synedUserID}
	return c.do(ctx, http.MethodPost, "/api/v1/users/password_reset", nil, body, nil)
}

// ---- Transport ----

// do issues one MetaCTF call with retry. 5xx and transport errors are retried
// up to maxAttempts with capped exponential backoff; 4xx fails immediately
// with the parsed detail.
func (c *MetaCTFClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid MetaCTF base URL %q: %w", c.baseURL, err)
	}
	endpoint := u.JoinPath(path)
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}
	finalURL := endpoint.String()

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode MetaCTF request body: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase * (1 << (attempt - 1))
			if delay > c.backoffMax {
				delay = c.backoffMax
			}
			log.Printf("[METACTF] 🔁 Retrying %s %s in %v (attempt %d/%d)", method, path, delay, attempt+1, c.maxAttempts)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = c.doOnce(ctx, method, finalURL, payload, out)
		if lastErr == nil {
			return nil
		}

		// Only 5xx and transport errors are worth retrying.
		var apiErr *APIError
		if errors.As(lastErr, &apiErr) && apiErr.StatusCode < 500 {
			return lastErr
		}
	}
	return fmt.Errorf("MetaCTF %s %s failed after %d attempts: %w", method, path, c.maxAttempts, lastErr)
}

func (c *MetaCTFClient) doOnce(ctx context.Context, method, finalURL string, payload []byte, out interface{}) error {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, finalURL, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request to %s: %w", finalURL, err)
	}
	token, err := c.tokens.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request to MetaCTF failed: %w", err)
	}
	defer func() {
		// Always drain & close to prevent connection leaks
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := parseErrorDetail(raw)
		return &APIError{StatusCode: resp.StatusCode, Detail: detail}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode MetaCTF response: %w", err)
	}
	return nil
}

// parseErrorDetail pulls the optional `detail` string out of a MetaCTF error
// body, falling back to the raw body.
func parseErrorDetail(raw []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	return string(bytes.TrimSpace(raw))
}
