// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package push wakes devices whose owner has no live session through the
// platform notification services. A wakeup never carries message content,
// only a content-available signal that triggers a fetch.
package push

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/ugorji/go/codec"
	"gopkg.in/op/go-logging.v1"

	"github.com/taubenpost/taubenpost/config"
	"github.com/taubenpost/taubenpost/core/log"
	"github.com/taubenpost/taubenpost/core/retry"
)

// ErrInvalidToken is returned when the platform reports the device token
// as dead. The caller should drop the stored token.
var ErrInvalidToken = errors.New("push: device token rejected by provider")

// maxSendAttempts bounds the retries for transient transport failures
// when talking to a notification service.
const maxSendAttempts = 3

var jsonHandle *codec.JsonHandle

func init() {
	jsonHandle = new(codec.JsonHandle)
}

// Platform identifies the notification service a device token belongs to.
type Platform uint8

const (
	// PlatformAPNS is the Apple push notification service.
	PlatformAPNS Platform = 1

	// PlatformFCM is the Google Firebase cloud messaging service.
	PlatformFCM Platform = 2
)

// Token is the platform tagged device token a client registers. Clients
// submit it CBOR encoded; the server stores it sealed and only decodes it
// again at send time.
type Token struct {
	Platform Platform `cbor:"1,keyasint"`
	Device   string   `cbor:"2,keyasint"`
}

// Provider sends a wakeup through one platform's notification service.
type Provider interface {
	// Push wakes the device behind the token. ErrInvalidToken means the
	// token is dead and must not be retried.
	Push(device string) error
}

// Service routes wakeups to the configured platform providers.
type Service struct {
	log  *logging.Logger
	apns Provider
	fcm  Provider
}

// New builds the push service from the configuration. Platforms without a
// configuration block are dropped silently at send time.
func New(cfg *config.Push, logBackend *log.Backend) (*Service, error) {
	s := &Service{log: logBackend.GetLogger("push")}
	var err error
	if cfg.APNS != nil {
		if s.apns, err = newAPNS(cfg.APNS, logBackend); err != nil {
			return nil, err
		}
	}
	if cfg.FCM != nil {
		if s.fcm, err = newFCM(cfg.FCM, logBackend); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Push decodes the registered token and forwards the wakeup to the
// matching platform provider.
func (s *Service) Push(raw []byte) error {
	var tok Token
	if err := cbor.Unmarshal(raw, &tok); err != nil {
		return fmt.Errorf("%w: undecodable token", ErrInvalidToken)
	}

	var p Provider
	switch tok.Platform {
	case PlatformAPNS:
		p = s.apns
	case PlatformFCM:
		p = s.fcm
	default:
		return fmt.Errorf("%w: unknown platform %d", ErrInvalidToken, tok.Platform)
	}
	if p == nil {
		// The deployment does not serve this platform.
		s.log.Debugf("Dropping wakeup for unconfigured platform %d", tok.Platform)
		return nil
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = p.Push(tok.Device)
		if err == nil || errors.Is(err, ErrInvalidToken) {
			return err
		}
		if attempt+1 >= maxSendAttempts || !retry.IsTransientError(err) {
			return err
		}
		d := retry.Delay(retry.DefaultBaseDelay, retry.DefaultMaxDelay, retry.DefaultJitter, attempt)
		s.log.Debugf("Transient wakeup failure, retrying in %v: %v", d, err)
		time.Sleep(d)
	}
}
