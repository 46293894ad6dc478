package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jzubielik/omron-bridge/internal/models"
	"golang.org/x/oauth2"
)

// duplicateWindow is the tolerance used when matching an existing cloud
// reading against a candidate upload: a reading within this window of a
// cloud reading with identical systolic/diastolic/pulse is treated as the
// same measurement. Grounded on the reference implementation's
// is_duplicate_in_garmin.
const duplicateWindow = 60 * time.Second

// CloudConfig configures one CloudSink instance, scoped to a single user.
type CloudConfig struct {
	// Email identifies the account whose token file to load/refresh; the
	// on-disk token file name sanitizes '@' the same way the reference
	// implementation's token directory layout does.
	Email string
	// TokensPath is the directory holding per-email token JSON files.
	TokensPath string
	// BaseURL is the cloud API's base URL; readings are POSTed to
	// {BaseURL}/readings and listed via GET {BaseURL}/readings?since=...&until=....
	BaseURL      string
	ClientID     string
	ClientSecret string
	TokenURL     string

	HTTPClient *http.Client
}

// CloudSink uploads readings to a remote cloud account using an
// OAuth2-authenticated HTTP API, skipping anything already present within
// duplicateWindow of an existing entry with matching vitals.
type CloudSink struct {
	cfg    CloudConfig
	client *http.Client
	ts     oauth2.TokenSource
	tok    *oauth2.Token
}

// NewCloudSink constructs a CloudSink for one user. It does not perform any
// I/O until Connect is called.
func NewCloudSink(cfg CloudConfig) *CloudSink {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &CloudSink{cfg: cfg, client: httpClient}
}

// tokenFilePath mirrors the reference implementation's token directory
// layout: one file per email, with '@' replaced so the name is filesystem
// safe.
func (s *CloudSink) tokenFilePath() string {
	name := strings.ReplaceAll(s.cfg.Email, "@", "_at_") + ".json"
	return filepath.Join(s.cfg.TokensPath, name)
}

// Connect loads the persisted token for this account and wraps it in an
// oauth2.TokenSource that refreshes automatically against TokenURL.
func (s *CloudSink) Connect(ctx context.Context) error {
	data, err := os.ReadFile(s.tokenFilePath())
	if err != nil {
		return fmt.Errorf("sink: cloud: read token for %s: %w", s.cfg.Email, err)
	}

	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return fmt.Errorf("sink: cloud: parse token for %s: %w", s.cfg.Email, err)
	}

	conf := &oauth2.Config{
		ClientID:     s.cfg.ClientID,
		ClientSecret: s.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: s.cfg.TokenURL},
	}
	s.ts = conf.TokenSource(ctx, &tok)
	s.tok = &tok
	return nil
}

// IsConnected reports whether a token has been loaded and is not already
// known to be expired. Expiry is read from the access token's JWT "exp"
// claim when the access token is itself a JWT, falling back to the
// oauth2.Token's own Expiry field otherwise.
func (s *CloudSink) IsConnected() bool {
	if s.tok == nil {
		return false
	}
	if exp, err := jwtExpiry(s.tok.AccessToken); err == nil {
		return time.Now().Before(exp)
	}
	return s.tok.Valid()
}

func jwtExpiry(tokenString string) (time.Time, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return time.Time{}, err
	}
	expFloat, ok := claims["exp"].(float64)
	if !ok {
		return time.Time{}, fmt.Errorf("sink: cloud: no exp claim")
	}
	return time.Unix(int64(math.Round(expFloat)), 0), nil
}

// remoteReading is the wire shape used for both listing and uploading.
type remoteReading struct {
	Timestamp string `json:"timestamp"`
	Systolic  int    `json:"systolic"`
	Diastolic int    `json:"diastolic"`
	Pulse     int    `json:"pulse"`
	Notes     string `json:"notes"`
}

// Probe queries the cloud account for every reading recorded in [from,
// until], for use with IsDuplicate.
func (s *CloudSink) Probe(ctx context.Context, from, until time.Time) (ProbeSet, error) {
	existing, err := s.listReadings(ctx, from, until)
	if err != nil {
		return nil, err
	}
	probe := make(ProbeSet, 0, len(existing))
	for _, e := range existing {
		ts, err := time.Parse(time.RFC3339, e.Timestamp)
		if err != nil {
			continue
		}
		probe = append(probe, ProbeEntry{
			Timestamp: ts,
			Systolic:  e.Systolic,
			Diastolic: e.Diastolic,
			Pulse:     e.Pulse,
		})
	}
	return probe, nil
}

// IsDuplicate reports whether probe already contains a reading within
// duplicateWindow of r with identical systolic/diastolic/pulse.
func (s *CloudSink) IsDuplicate(r models.Reading, probe ProbeSet) bool {
	for _, e := range probe {
		delta := e.Timestamp.Sub(r.Timestamp)
		if delta < 0 {
			delta = -delta
		}
		if delta <= duplicateWindow && e.Systolic == r.Systolic && e.Diastolic == r.Diastolic && e.Pulse == r.Pulse {
			return true
		}
	}
	return false
}

func (s *CloudSink) listReadings(ctx context.Context, since, until time.Time) ([]remoteReading, error) {
	url := fmt.Sprintf("%s/readings?since=%s&until=%s", s.cfg.BaseURL,
		since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.authorizedClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("sink: cloud: list readings: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sink: cloud: list readings: unexpected status %d", resp.StatusCode)
	}

	var out []remoteReading
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("sink: cloud: decode readings: %w", err)
	}
	return out, nil
}

// buildNotes mirrors the reference implementation's note construction:
// "OMRON BLE import (slot N)" plus any flags, joined by " | ".
func buildNotes(r models.Reading) string {
	notes := fmt.Sprintf("OMRON BLE import (slot %d)", r.UserSlot)
	var flags []string
	if r.IrregularHeartbeat {
		flags = append(flags, "IHB detected")
	}
	if r.BodyMovement {
		flags = append(flags, "Body movement detected")
	}
	if len(flags) > 0 {
		notes = notes + " | " + strings.Join(flags, " | ")
	}
	return notes
}

// Push uploads one reading.
func (s *CloudSink) Push(ctx context.Context, r models.Reading) error {
	body := remoteReading{
		Timestamp: r.Timestamp.UTC().Format(time.RFC3339),
		Systolic:  r.Systolic,
		Diastolic: r.Diastolic,
		Pulse:     r.Pulse,
		Notes:     buildNotes(r),
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("sink: cloud: marshal reading: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BaseURL+"/readings", bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.authorizedClient().Do(req)
	if err != nil {
		return fmt.Errorf("sink: cloud: push reading: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sink: cloud: push reading: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *CloudSink) authorizedClient() *http.Client {
	if s.ts == nil {
		return s.client
	}
	return oauth2.NewClient(context.WithValue(context.Background(), oauth2.HTTPClient, s.client), s.ts)
}

// Disconnect drops the in-memory token source; no network call is made.
func (s *CloudSink) Disconnect() error {
	s.ts = nil
	s.tok = nil
	return nil
}

var _ Sink = (*CloudSink)(nil)
