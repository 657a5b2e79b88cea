// Package melipayamak talks to the Melipayamak SMS gateway's SOAP web
// service and classifies its answers.
package melipayamak

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/aelexs/otp-gateway/internal/domain"
	"github.com/aelexs/otp-gateway/internal/otp"
)

// DefaultEndpoint is the gateway's SOAP send service.
const DefaultEndpoint = "http://api.payamak-panel.com/post/Send.asmx"

const (
	serviceNS                = "http://tempuri.org/"
	soapEnvelopeNS           = "http://schemas.xmlsoap.org/soap/envelope/"
	sendByBaseNumberAction   = `"http://tempuri.org/SendByBaseNumber"`
	maxResponseBytes         = 64 << 10
	defaultTransportDeadline = 15 * time.Second
)

var tracer = otel.Tracer("melipayamak")

// Config configures a Client.
type Config struct {
	// Endpoint overrides DefaultEndpoint; a trailing "?wsdl" is ignored.
	Endpoint string
	Username string
	Password domain.SecretString
	// HTTPClient defaults to a client with a 15s timeout.
	HTTPClient *http.Client
}

// Client sends template ("base number") messages.
type Client struct {
	endpoint string
	username string
	password domain.SecretString
	http     *http.Client
}

// NewClient creates a Client.
func NewClient(cfg Config) *Client {
	endpoint := strings.TrimSuffix(strings.TrimSpace(cfg.Endpoint), "?wsdl")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: defaultTransportDeadline}
	}
	return &Client{
		endpoint: endpoint,
		username: cfg.Username,
		password: cfg.Password,
		http:     hc,
	}
}

// Send implements otp.Notifier: vars fill the approved template bodyID.
func (c *Client) Send(ctx context.Context, recipient string, vars []string, templateID int) (string, error) {
	return c.SendByBaseNumber(ctx, vars, recipient, templateID)
}

// SendByBaseNumber calls the SendByBaseNumber operation and returns its raw
// result. A returned error means no result was obtained: network failure,
// a non-2xx answer, a SOAP fault or an unreadable body.
func (c *Client) SendByBaseNumber(ctx context.Context, text []string, to string, bodyID int) (string, error) {
	ctx, span := tracer.Start(ctx, "melipayamak.send_by_base_number")
	defer span.End()
	span.SetAttributes(attribute.Int("melipayamak.body_id", bodyID))

	result, err := c.sendByBaseNumber(ctx, text, to, bodyID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return "", err
	}
	span.SetAttributes(attribute.String("melipayamak.result", result))
	return result, nil
}

func (c *Client) sendByBaseNumber(ctx context.Context, text []string, to string, bodyID int) (string, error) {
	payload, err := xml.Marshal(requestEnvelope{
		SoapNS: soapEnvelopeNS,
		Body: requestBody{Send: sendByBaseNumber{
			XMLNS:    serviceNS,
			Username: c.username,
			Password: c.password.Expose(),
			Text:     text,
			To:       to,
			BodyID:   bodyID,
		}},
	})
	if err != nil {
		return "", fmt.Errorf("melipayamak: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		bytes.NewReader(append([]byte(xml.Header), payload...)))
	if err != nil {
		return "", fmt.Errorf("melipayamak: build request: %w", err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", sendByBaseNumberAction)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("melipayamak: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("melipayamak: read response: %w", err)
	}

	var env responseEnvelope
	parseErr := xml.Unmarshal(body, &env)
	if parseErr == nil && env.Body.Fault != nil {
		return "", fmt.Errorf("melipayamak: soap fault %s: %s", env.Body.Fault.Code, env.Body.Fault.String)
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("melipayamak: error %d", resp.StatusCode)
	}
	if parseErr != nil {
		return "", fmt.Errorf("melipayamak: parse response: %w", parseErr)
	}
	if env.Body.Response == nil {
		return "", fmt.Errorf("melipayamak: response has no SendByBaseNumberResult")
	}
	return strings.TrimSpace(env.Body.Response.Result), nil
}

type requestEnvelope struct {
	XMLName xml.Name    `xml:"soap:Envelope"`
	SoapNS  string      `xml:"xmlns:soap,attr"`
	Body    requestBody `xml:"soap:Body"`
}

type requestBody struct {
	Send sendByBaseNumber `xml:"SendByBaseNumber"`
}

type sendByBaseNumber struct {
	XMLNS    string   `xml:"xmlns,attr"`
	Username string   `xml:"username"`
	Password string   `xml:"password"`
	Text     []string `xml:"text>string"`
	To       string   `xml:"to"`
	BodyID   int      `xml:"bodyId"`
}

type responseEnvelope struct {
	Body struct {
		Response *struct {
			Result string `xml:"SendByBaseNumberResult"`
		} `xml:"SendByBaseNumberResponse"`
		Fault *soapFault `xml:"Fault"`
	} `xml:"Body"`
}

type soapFault struct {
	Code   string `xml:"faultcode"`
	String string `xml:"faultstring"`
}

var _ otp.Notifier = (*Client)(nil)
