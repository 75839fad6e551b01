package twilio

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harunnryd/voxturn/pkg/errorsx"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer places outbound calls whose media stream arrives back on the
// transport as a Room.
type Dialer struct {
	cfg    Config
	client callCreator
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial creates the call. An empty url points the call at this transport's
// voice webhook; the status callback is always registered so hang-ups end
// the session.
func (d *Dialer) Dial(ctx context.Context, to, from, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	to, from = strings.TrimSpace(to), strings.TrimSpace(from)
	if to == "" || from == "" {
		return "", errors.New("twilio dial: to and from are required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errorsx.Errorf(errorsx.ReasonConfiguration, "twilio dial: account_sid and auth_token are required")
	}
	t := &Transport{cfg: d.cfg}
	if url == "" {
		url = t.voiceWebhookURL()
	}
	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(url)
	params.SetStatusCallback(t.publicURL("https", d.cfg.StatusCallbackPath))
	params.SetStatusCallbackEvent([]string{"completed"})
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(fmt.Errorf("twilio create call: %w", err), errorsx.ReasonTransportConnect)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.Errorf(errorsx.ReasonTransportConnect, "twilio create call: response carries no call sid")
	}
	return *resp.Sid, nil
}

// Dial places an outbound call with the transport's credentials.
func (t *Transport) Dial(ctx context.Context, to, from, url string) (string, error) {
	return NewDialer(t.cfg).Dial(ctx, to, from, url)
}
