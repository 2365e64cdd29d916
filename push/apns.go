// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package push

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ugorji/go/codec"
	"golang.org/x/net/http2"
	"gopkg.in/op/go-logging.v1"

	"github.com/taubenpost/taubenpost/config"
	"github.com/taubenpost/taubenpost/core/log"
)

const (
	apnsProduction = "https://api.push.apple.com"
	apnsSandbox    = "https://api.sandbox.push.apple.com"

	// Apple rejects provider tokens older than an hour; reissue well
	// before that.
	apnsTokenLifetime = 50 * time.Minute

	apnsRequestTimeout = 30 * time.Second
)

// The notification body is always the same: a silent background wakeup.
var apnsWakeupBody = []byte(`{"aps":{"content-available":1}}`)

type apnsClient struct {
	log    *logging.Logger
	client *http.Client

	endpoint string
	topic    string
	keyID    string
	teamID   string
	key      *ecdsa.PrivateKey

	sync.Mutex
	bearer       string
	bearerIssued time.Time
}

func newAPNS(cfg *config.APNS, logBackend *log.Backend) (*apnsClient, error) {
	raw, err := os.ReadFile(cfg.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("push: APNS: read private key: %v", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("push: APNS: no PEM block in private key file")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("push: APNS: parse private key: %v", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, errors.New("push: APNS: private key is not an ECDSA key")
	}

	endpoint := apnsProduction
	if cfg.Environment == "sandbox" {
		endpoint = apnsSandbox
	}
	return &apnsClient{
		log: logBackend.GetLogger("push/apns"),
		// APNs only speaks HTTP/2.
		client: &http.Client{
			Transport: &http2.Transport{},
			Timeout:   apnsRequestTimeout,
		},
		endpoint: endpoint,
		topic:    cfg.Topic,
		keyID:    cfg.KeyID,
		teamID:   cfg.TeamID,
		key:      key,
	}, nil
}

// providerToken returns a cached ES256 provider token, reissuing it when
// it nears the server side age limit.
func (a *apnsClient) providerToken() (string, error) {
	a.Lock()
	defer a.Unlock()

	if a.bearer != "" && time.Since(a.bearerIssued) < apnsTokenLifetime {
		return a.bearer, nil
	}

	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.RegisteredClaims{
		Issuer:   a.teamID,
		IssuedAt: jwt.NewNumericDate(now),
	})
	tok.Header["kid"] = a.keyID
	signed, err := tok.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("push: APNS: sign provider token: %v", err)
	}
	a.bearer = signed
	a.bearerIssued = now
	return signed, nil
}

func (a *apnsClient) Push(device string) error {
	bearer, err := a.providerToken()
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, a.endpoint+"/3/device/"+device, bytes.NewReader(apnsWakeupBody))
	if err != nil {
		return fmt.Errorf("push: APNS: %v", err)
	}
	req.Header.Set("authorization", "bearer "+bearer)
	req.Header.Set("apns-topic", a.topic)
	req.Header.Set("apns-push-type", "background")
	req.Header.Set("apns-priority", "5")
	req.Header.Set("content-type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: APNS: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	reason := apnsReason(body)
	switch {
	case resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s", ErrInvalidToken, reason)
	case reason == "BadDeviceToken" || reason == "Unregistered" || reason == "DeviceTokenNotForTopic":
		return fmt.Errorf("%w: %s", ErrInvalidToken, reason)
	default:
		return fmt.Errorf("push: APNS: status %d: %s", resp.StatusCode, reason)
	}
}

func apnsReason(body []byte) string {
	var r struct {
		Reason string `json:"reason"`
	}
	if err := codec.NewDecoderBytes(body, jsonHandle).Decode(&r); err != nil {
		return ""
	}
	return r.Reason
}
