// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

package push

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ugorji/go/codec"
	"gopkg.in/op/go-logging.v1"

	"github.com/taubenpost/taubenpost/config"
	"github.com/taubenpost/taubenpost/core/log"
)

const (
	fcmScope         = "https://www.googleapis.com/auth/firebase.messaging"
	fcmSendURLFormat = "https://fcm.googleapis.com/v1/projects/%s/messages:send"

	// Access tokens are refreshed this long before their stated expiry.
	fcmTokenSlack = 5 * time.Minute

	fcmRequestTimeout = 30 * time.Second
)

// fcmCredentials is the subset of the service account file the sender
// needs.
type fcmCredentials struct {
	ProjectID   string `json:"project_id"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

type fcmClient struct {
	log    *logging.Logger
	client *http.Client

	sendURL  string
	tokenURI string
	email    string
	key      *rsa.PrivateKey

	sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func newFCM(cfg *config.FCM, logBackend *log.Backend) (*fcmClient, error) {
	raw, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("push: FCM: read credentials: %v", err)
	}
	var creds fcmCredentials
	if err = codec.NewDecoderBytes(raw, jsonHandle).Decode(&creds); err != nil {
		return nil, fmt.Errorf("push: FCM: parse credentials: %v", err)
	}
	if creds.ProjectID == "" || creds.ClientEmail == "" || creds.PrivateKey == "" || creds.TokenURI == "" {
		return nil, errors.New("push: FCM: credentials file is missing required fields")
	}
	block, _ := pem.Decode([]byte(creds.PrivateKey))
	if block == nil {
		return nil, errors.New("push: FCM: no PEM block in credentials private key")
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("push: FCM: parse private key: %v", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("push: FCM: private key is not an RSA key")
	}

	return &fcmClient{
		log:      logBackend.GetLogger("push/fcm"),
		client:   &http.Client{Timeout: fcmRequestTimeout},
		sendURL:  fmt.Sprintf(fcmSendURLFormat, creds.ProjectID),
		tokenURI: creds.TokenURI,
		email:    creds.ClientEmail,
		key:      key,
	}, nil
}

// bearerToken returns a cached OAuth2 access token, fetching a fresh one
// through the JWT bearer grant when the cached one nears expiry.
func (f *fcmClient) bearerToken() (string, error) {
	f.Lock()
	defer f.Unlock()

	if f.accessToken != "" && time.Now().Before(f.tokenExpiry.Add(-fcmTokenSlack)) {
		return f.accessToken, nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   f.email,
		"scope": fcmScope,
		"aud":   f.tokenURI,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.key)
	if err != nil {
		return "", fmt.Errorf("push: FCM: sign assertion: %v", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	resp, err := f.client.PostForm(f.tokenURI, form)
	if err != nil {
		return "", fmt.Errorf("push: FCM: token request: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("push: FCM: token endpoint status %d", resp.StatusCode)
	}

	var tr struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err = codec.NewDecoderBytes(body, jsonHandle).Decode(&tr); err != nil {
		return "", fmt.Errorf("push: FCM: parse token response: %v", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("push: FCM: token endpoint returned no access token")
	}
	f.accessToken = tr.AccessToken
	f.tokenExpiry = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	return f.accessToken, nil
}

func (f *fcmClient) Push(device string) error {
	bearer, err := f.bearerToken()
	if err != nil {
		return err
	}

	msg := map[string]interface{}{
		"message": map[string]interface{}{
			"token":   device,
			"data":    map[string]string{"action": "fetch"},
			"android": map[string]interface{}{"priority": "high"},
		},
	}
	var body []byte
	if err = codec.NewEncoderBytes(&body, jsonHandle).Encode(msg); err != nil {
		return fmt.Errorf("push: FCM: encode message: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, f.sendURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: FCM: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: FCM: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotFound || fcmUnregistered(raw) {
		return fmt.Errorf("%w: status %d", ErrInvalidToken, resp.StatusCode)
	}
	return fmt.Errorf("push: FCM: status %d: %s", resp.StatusCode, raw)
}

// fcmUnregistered reports whether an error response names a token that no
// longer maps to an installation.
func fcmUnregistered(body []byte) bool {
	var r struct {
		Error struct {
			Status string `json:"status"`
		} `json:"error"`
	}
	if err := codec.NewDecoderBytes(body, jsonHandle).Decode(&r); err != nil {
		return false
	}
	return r.Error.Status == "NOT_FOUND" || r.Error.Status == "UNREGISTERED"
}
