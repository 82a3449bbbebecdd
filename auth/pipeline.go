package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Endpoint URLs are package-level vars, not consts, so tests can redirect
// them at an httptest.Server instead of reaching the real Xbox Live/MSA
// services.
var (
	deviceCodeEndpoint = "https://login.microsoftonline.com/consumers/oauth2/v2.0/devicecode"
	tokenEndpoint      = "https://login.microsoftonline.com/consumers/oauth2/v2.0/token"
	userAuthEndpoint   = "https://user.auth.xboxlive.com/user/authenticate"
	xstsAuthEndpoint   = "https://xsts.auth.xboxlive.com/xsts/authorize"
)

const deviceCodeScopes = "Xboxlive.signin Xboxlive.offline_access"

// strategyRow is one row of the §4.2 strategy table: a relying party to try
// an XSTS exchange against. At least four rows are required, covering Xbox
// Live itself and the Minecraft-specific endpoints.
type strategyRow struct {
	Name         string
	RelyingParty string
}

var strategyTable = []strategyRow{
	{Name: "xbox_live", RelyingParty: "http://xboxlive.com"},
	{Name: "minecraft_realms", RelyingParty: "https://pocket.realms.minecraft.net/"},
	{Name: "minecraft_multiplayer", RelyingParty: "https://multiplayer.minecraft.net/"},
	{Name: "minecraft_services", RelyingParty: "https://prod.xboxservices.com"},
}

// Pipeline turns a configured email into an authenticated Identity. One
// Pipeline is shared by every identity of a server; state specific to one
// identity (cached tokens, refresh timers) lives in the Store and in the
// goroutines ScheduleRefresh starts.
type Pipeline struct {
	ClientID  string
	Title     string
	Store     *Store
	Presenter UserCodePresenter
	Logger    zerolog.Logger

	HTTP *http.Client // underlying transport, wrapped with retry below

	MaxRetries int
	RetryBase  time.Duration
	RetryCap   time.Duration
	Deadline   time.Duration
}

// NewPipeline builds a Pipeline with a retryablehttp-backed transport
// (up to 3 network-level retries with linear jittered backoff between 500ms
// and 5s), independent of the application-level retry loop with jittered
// exponential backoff that Authenticate runs on top of it.
func NewPipeline(clientID, title string, store *Store, presenter UserCodePresenter, logger zerolog.Logger) *Pipeline {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 3
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Backoff = retryablehttp.LinearJitterBackoff

	return &Pipeline{
		ClientID:   clientID,
		Title:      title,
		Store:      store,
		Presenter:  presenter,
		Logger:     logger,
		HTTP:       rc.StandardClient(),
		MaxRetries: 5,
		RetryBase:  2 * time.Second,
		RetryCap:   30 * time.Second,
		Deadline:   15 * time.Minute,
	}
}

// Authenticate implements §4.2: silent refresh, then the strategy-table
// ladder with jittered-exponential-backoff retries, falling back to a
// manual XSTS exchange when the ladder fails repeatedly on parse errors.
func (p *Pipeline) Authenticate(parent context.Context, email string) (Identity, error) {
	ctx, cancel := context.WithTimeout(parent, p.Deadline)
	defer cancel()

	key := Key(email, p.Title)
	log := p.Logger.With().Str("email", email).Str("title", p.Title).Logger()

	if entry, _ := p.Store.Load(key); entry.Valid(time.Now()) {
		id := identityFromCache(email, p.Title, entry)
		if err := id.Valid(time.Now()); err == nil {
			log.Debug().Msg("silent refresh from token cache succeeded")
			return id, nil
		}
	}

	accessToken, refreshToken, err := p.deviceCodeFlow(ctx, email, log)
	if err != nil {
		return Identity{}, err
	}

	id, parseFailures, err := p.runStrategyLadder(ctx, email, key, accessToken, log)
	if err == nil {
		id.IssuedAt = time.Now()
		p.persist(key, email, refreshToken, id)
		return id, nil
	}

	var perm *PermanentAuthFailure
	if parseFailures == 0 || errors.As(err, &perm) {
		return Identity{}, err
	}

	log.Warn().Err(err).Msg("strategy ladder exhausted on parse failures, attempting manual XSTS exchange")
	id, manualErr := p.manualXSTSExchange(ctx, email, accessToken, log)
	if manualErr != nil {
		return Identity{}, manualErr
	}

	id.IssuedAt = time.Now()
	p.persist(key, email, refreshToken, id)
	return id, nil
}

func identityFromCache(email, title string, entry *TokenCacheEntry) Identity {
	return Identity{
		Email:      email,
		Title:      title,
		XUID:       xuidFromUserHash(entry.UserHash),
		UserHash:   entry.UserHash,
		XSTSToken:  entry.XSTSToken,
		AuthHeader: fmt.Sprintf("XBL3.0 x=%s;%s", entry.UserHash, entry.XSTSToken),
		Method:     "refresh",
		NotAfter:   entry.XSTSNotAfter,
		Derived:    entry.Derived,
	}
}

// xuidFromUserHash is a placeholder derivation: Xbox Live does not expose
// the XUID in the user hash, but TokenCacheEntry does not store an XUID and
// the XSTS parser does not read the DisplayClaims xid field, so every
// Identity (fresh or restored from cache) uses the user hash, right-padded
// with '0' to 10 characters, as its XUID.
func xuidFromUserHash(hash string) string {
	if len(hash) >= 10 {
		return hash
	}
	return hash + strings.Repeat("0", 10-len(hash))
}

func (p *Pipeline) persist(key, email, refreshToken string, id Identity) {
	entry := &TokenCacheEntry{
		Email:        email,
		Title:        p.Title,
		Method:       id.Method,
		RefreshToken: refreshToken,
		XSTSToken:    id.XSTSToken,
		UserHash:     id.UserHash,
		XSTSNotAfter: id.NotAfter,
		Derived:      id.Derived,
	}
	if err := p.Store.Save(key, entry); err != nil {
		p.Logger.Warn().Err(err).Str("email", email).Msg("failed to persist token cache entry")
	}
}

// runStrategyLadder tries every row of strategyTable in order, retrying
// each up to MaxRetries times with jittered exponential backoff. It returns
// the count of attempts that failed specifically due to unparseable
// responses, which the caller uses to decide whether a manual XSTS exchange
// is worth attempting.
func (p *Pipeline) runStrategyLadder(ctx context.Context, email, key, accessToken string, log zerolog.Logger) (Identity, int, error) {
	userToken, err := p.getUserToken(ctx, accessToken)
	if err != nil {
		return Identity{}, 0, err
	}

	var lastErr error
	parseFailures := 0

	for _, row := range strategyTable {
		for attempt := 1; attempt <= p.MaxRetries; attempt++ {
			parsed, xboxErr, err := p.getXSTSToken(ctx, userToken, row.RelyingParty)
			if xboxErr != nil {
				if reason := xboxPermanentReason(xboxErr.XErr); reason != "" {
					return Identity{}, parseFailures, &PermanentAuthFailure{Email: email, Reason: reason}
				}
				lastErr = fmt.Errorf("xbox error %d: %s", xboxErr.XErr, xboxErr.Message)
			} else if err != nil {
				lastErr = err
				if isTransientParseFailure(err) {
					parseFailures++
					_ = p.Store.Invalidate(key)
				}
			} else {
				return p.buildIdentity(email, row.Name, parsed), parseFailures, nil
			}

			if attempt < p.MaxRetries {
				wait := jitteredBackoff(p.RetryBase, p.RetryCap, attempt)
				log.Debug().Str("strategy", row.Name).Int("attempt", attempt).Dur("wait", wait).Msg("retrying XSTS strategy")
				if sleepErr := sleepCancellable(ctx, wait); sleepErr != nil {
					return Identity{}, parseFailures, sleepErr
				}
			}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no strategy produced a usable XSTS token")
	}
	return Identity{}, parseFailures, &TransientAuthFailure{Email: email, Reason: "strategy ladder exhausted", Cause: lastErr}
}

func isTransientParseFailure(err error) bool {
	t, ok := err.(*TransientAuthFailure)
	return ok && t.Reason == "unparseable XSTS response"
}

func (p *Pipeline) buildIdentity(email, method string, parsed *parsedXSTS) Identity {
	return Identity{
		Email:      email,
		Title:      p.Title,
		XUID:       xuidFromXSTS(parsed),
		UserHash:   parsed.UserHash,
		XSTSToken:  parsed.Token,
		AuthHeader: fmt.Sprintf("XBL3.0 x=%s;%s", parsed.UserHash, parsed.Token),
		Method:     method,
		NotAfter:   parsed.NotAfter,
		Derived:    parsed.Derived,
	}
}

func xuidFromXSTS(parsed *parsedXSTS) string {
	// The DisplayClaims xui entry carries xid in a real XSTS response, but
	// parsedXSTS only records uhs, so the XUID is always derived from the
	// user hash; xid is not read even when the response is complete.
	return xuidFromUserHash(parsed.UserHash)
}

// manualXSTSExchange re-performs the user token step from scratch (bypassing
// any cached intermediate value) and issues its own XSTS request against the
// primary relying party with the hardened parser, per §4.2's "manual XSTS
// exchange" recovery path.
func (p *Pipeline) manualXSTSExchange(ctx context.Context, email, accessToken string, log zerolog.Logger) (Identity, error) {
	userToken, err := p.getUserToken(ctx, accessToken)
	if err != nil {
		return Identity{}, err
	}

	parsed, xboxErr, err := p.getXSTSToken(ctx, userToken, strategyTable[0].RelyingParty)
	if xboxErr != nil {
		if reason := xboxPermanentReason(xboxErr.XErr); reason != "" {
			return Identity{}, &PermanentAuthFailure{Email: email, Reason: reason}
		}
		return Identity{}, &TransientAuthFailure{Email: email, Reason: "manual exchange: xbox error", Cause: fmt.Errorf("XErr %d", xboxErr.XErr)}
	}
	if err != nil {
		return Identity{}, &TransientAuthFailure{Email: email, Reason: "manual exchange failed", Cause: err}
	}

	log.Info().Bool("derived", parsed.Derived).Msg("manual XSTS exchange recovered a token")
	return p.buildIdentity(email, "manual_xsts", parsed), nil
}

// --- HTTP calls ---

type deviceCodeResponse struct {
	UserCode        string `json:"user_code"`
	DeviceCode      string `json:"device_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (p *Pipeline) deviceCodeFlow(ctx context.Context, email string, log zerolog.Logger) (accessToken, refreshToken string, err error) {
	data := url.Values{}
	data.Set("client_id", p.ClientID)
	data.Set("scope", deviceCodeScopes)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deviceCodeEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return "", "", &TransientAuthFailure{Email: email, Reason: "device code request failed", Cause: err}
	}
	defer resp.Body.Close()

	var dc deviceCodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&dc); err != nil {
		return "", "", &TransientAuthFailure{Email: email, Reason: "malformed device code response", Cause: err}
	}

	p.Presenter.Present(DeviceCodePrompt{
		Email:           email,
		VerificationURI: dc.VerificationURI,
		UserCode:        dc.UserCode,
		ExpiresIn:       dc.ExpiresIn,
	})

	return p.pollForToken(ctx, email, dc)
}

func (p *Pipeline) pollForToken(ctx context.Context, email string, dc deviceCodeResponse) (string, string, error) {
	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", "", ErrDeadlineExceeded
		case <-ticker.C:
			if time.Now().After(deadline) {
				return "", "", fmt.Errorf("device code expired before sign-in completed")
			}

			tok, err := p.tryGetToken(ctx, dc.DeviceCode)
			if err != nil {
				if strings.Contains(err.Error(), "authorization_pending") {
					continue
				}
				if strings.Contains(err.Error(), "invalid_grant") || strings.Contains(err.Error(), "unauthorized_client") {
					return "", "", &PermanentAuthFailure{Email: email, Reason: err.Error()}
				}
				return "", "", &TransientAuthFailure{Email: email, Reason: "device code polling failed", Cause: err}
			}
			return tok.AccessToken, tok.RefreshToken, nil
		}
	}
}

func (p *Pipeline) tryGetToken(ctx context.Context, deviceCode string) (*tokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	data.Set("client_id", p.ClientID)
	data.Set("device_code", deviceCode)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Error string `json:"error"`
		}
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil && errResp.Error != "" {
			return nil, fmt.Errorf("%s", errResp.Error)
		}
		return nil, fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

func (p *Pipeline) getUserToken(ctx context.Context, accessToken string) (string, error) {
	reqBody := map[string]interface{}{
		"RelyingParty": "http://auth.xboxlive.com",
		"TokenType":    "JWT",
		"Properties": map[string]string{
			"AuthMethod": "RPS",
			"SiteName":   "user.auth.xboxlive.com",
			"RpsTicket":  "d=" + accessToken,
		},
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, userAuthEndpoint, bytes.NewReader(encoded))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-xbl-contract-version", "1")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return "", &TransientAuthFailure{Reason: "user token request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &TransientAuthFailure{Reason: "reading user token response", Cause: err}
	}

	parsed, err := parseXSTSResponse(body)
	if err != nil {
		return "", err
	}
	if parsed.XboxError != nil {
		return "", fmt.Errorf("xbox error %d obtaining user token", parsed.XboxError.XErr)
	}
	return parsed.Token, nil
}

func (p *Pipeline) getXSTSToken(ctx context.Context, userToken, relyingParty string) (*parsedXSTS, *xboxErrorBody, error) {
	reqBody := map[string]interface{}{
		"RelyingParty": relyingParty,
		"TokenType":    "JWT",
		"Properties": map[string]interface{}{
			"SandboxId":  "RETAIL",
			"UserTokens": []string{userToken},
		},
	}
	encoded, err := json.Marshal(reqBody)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, xstsAuthEndpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "XboxServicesAPI/2021.11.20201204.000 c")
	req.Header.Set("x-xbl-contract-version", "1")

	resp, err := p.HTTP.Do(req)
	if err != nil {
		return nil, nil, &TransientAuthFailure{Reason: "XSTS request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &TransientAuthFailure{Reason: "reading XSTS response", Cause: err}
	}

	parsed, err := parseXSTSResponse(body)
	if err != nil {
		return nil, nil, err
	}
	if parsed.XboxError != nil {
		return nil, parsed.XboxError, nil
	}
	return parsed, nil, nil
}
