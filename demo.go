package friendconnect

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fennecdev/friendconnect/auth"
)

// seedDemoIdentity pre-seeds store with an already-valid TokenCacheEntry for
// email, so auth.Pipeline.Authenticate's silent-refresh path (the same one
// the real refresh flow produces) returns immediately instead of running the
// device-code/XSTS ladder. This is the whole of DemoMode's auth seam: no
// parallel pipeline, just a cache entry that never needed a real token.
func seedDemoIdentity(store *auth.Store, email, title string) error {
	xuid := "demo-" + strings.ReplaceAll(email, "@", "-")
	for len(xuid) < 16 {
		xuid += "0"
	}
	token := "demo-xsts-token-" + strings.Repeat("x", 100)

	entry := &auth.TokenCacheEntry{
		Email:        email,
		Title:        title,
		Method:       "demo",
		XSTSToken:    token,
		UserHash:     xuid,
		XSTSNotAfter: time.Now().Add(24 * time.Hour),
	}
	return store.Save(auth.Key(email, title), entry)
}

// demoTransport is an http.RoundTripper that answers every MPSD/social call
// with a bare 200 OK, standing in for the real Xbox Live surface when
// DemoMode is set. mpsdclient callers treat a nil decode target as "only the
// status code matters," so an empty body is sufficient here.
type demoTransport struct{}

func (demoTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Status:     "200 OK",
		Body:       io.NopCloser(strings.NewReader("{}")),
		Header:     make(http.Header),
		Request:    req,
	}, nil
}
