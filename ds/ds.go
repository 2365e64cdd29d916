// SPDX-FileCopyrightText: © 2025 The Taubenpost Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package ds implements the delivery service: the group membership state
// machine of the server. It validates commits against encrypted group
// state that it can only read while handling a request, applies the ones
// that pass policy, and hands the resulting fan-out to the queue side.
// All validation happens before a commit is accepted; acceptance is the
// only point that mutates group state, and state is persisted only after
// the whole operation has succeeded.
package ds

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/taubenpost/taubenpost/config"
	"github.com/taubenpost/taubenpost/core/log"
	"github.com/taubenpost/taubenpost/core/worker"
	"github.com/taubenpost/taubenpost/crypto/ear"
	"github.com/taubenpost/taubenpost/internal/constants"
	"github.com/taubenpost/taubenpost/protocol"
	"github.com/taubenpost/taubenpost/storage"
	"github.com/taubenpost/taubenpost/wire"
)

const (
	opCreateGroup         = "create_group"
	opDeleteGroup         = "delete_group"
	opJoinGroup           = "join_group"
	opJoinConnectionGroup = "join_connection_group"
	opRemoveClients       = "remove_clients"
	opRemoveUsers         = "remove_users"
	opUpdateClient        = "update_client"
	opDistributeMessage   = "distribute_message"
)

var (
	operationsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.DSSubsystem,
			Name:      "operations_total",
			Help:      "Number of delivery service operations",
		},
		[]string{"operation", "outcome"},
	)
	groupsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: constants.Namespace,
			Subsystem: constants.DSSubsystem,
			Name:      "groups_swept_total",
			Help:      "Number of expired group records removed",
		},
	)
)

func init() {
	prometheus.MustRegister(operationsProcessed)
	prometheus.MustRegister(groupsSwept)
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrLibrary):
		return "error"
	default:
		return "rejected"
	}
}

// Connector delivers fan-out messages to the queue side. Dispatch must not
// block; delivery is asynchronous and best effort.
type Connector interface {
	Dispatch(msg *wire.FanOutMessage)
}

// DS is the delivery service.
type DS struct {
	worker.Worker

	cfg       *config.Config
	log       *logging.Logger
	store     storage.Store
	scheme    protocol.Scheme
	connector Connector

	locksLock sync.Mutex
	locks     map[wire.GroupID]*groupLock
}

type groupLock struct {
	sync.Mutex
	refs int
}

// New constructs the delivery service and starts its expiration janitor.
func New(cfg *config.Config, logBackend *log.Backend, store storage.Store, connector Connector) (*DS, error) {
	scheme, err := protocol.ByName(cfg.Protocol.Scheme)
	if err != nil {
		return nil, err
	}
	d := &DS{
		cfg:       cfg,
		log:       logBackend.GetLogger("ds"),
		store:     store,
		scheme:    scheme,
		connector: connector,
		locks:     make(map[wire.GroupID]*groupLock),
	}
	d.Go(d.janitor)
	return d, nil
}

// lockGroup serializes operations on one group. The registry only holds
// locks for groups with an operation in flight.
func (d *DS) lockGroup(id wire.GroupID) *groupLock {
	d.locksLock.Lock()
	l := d.locks[id]
	if l == nil {
		l = new(groupLock)
		d.locks[id] = l
	}
	l.refs++
	d.locksLock.Unlock()
	l.Lock()
	return l
}

func (d *DS) unlockGroup(id wire.GroupID, l *groupLock) {
	l.Unlock()
	d.locksLock.Lock()
	l.refs--
	if l.refs == 0 {
		delete(d.locks, id)
	}
	d.locksLock.Unlock()
}

// RequestGroupID reserves a fresh group id for a later CreateGroup. The
// reservation expires if it is never consumed.
func (d *DS) RequestGroupID() (wire.GroupID, error) {
	expires := time.Now().Add(time.Duration(d.cfg.Groups.ReservationHours) * time.Hour)
	for {
		id := wire.NewGroupID()
		ok, err := d.store.ReserveGroup(id, expires)
		if err != nil {
			return wire.GroupID{}, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if ok {
			d.log.Debugf("Reserved group id %v", id)
			return id, nil
		}
	}
}

// CreateGroup establishes a group under a previously reserved id, with the
// creator as sole member and sole user.
func (d *DS) CreateGroup(groupID wire.GroupID, key *ear.GroupStateKey, params *wire.CreateGroupParams) (err error) {
	defer func() {
		operationsProcessed.WithLabelValues(opCreateGroup, outcomeLabel(err)).Inc()
	}()
	l := d.lockGroup(groupID)
	defer d.unlockGroup(groupID, l)

	_, result, err := d.store.LoadGroup(groupID)
	switch {
	case err != nil:
		return fmt.Errorf("%w: %v", ErrStorage, err)
	case result == storage.GroupFound:
		return fmt.Errorf("%w: %v", ErrGroupExists, groupID)
	case result == storage.GroupNotFound:
		return fmt.Errorf("%w: group id %v was never reserved", ErrGroupNotFound, groupID)
	}

	if len(params.CreatorCredential) == 0 || len(params.CreatorQueueReference) == 0 || len(params.CreatorAuthKey) == 0 {
		return fmt.Errorf("%w: incomplete creator parameters", ErrInvalidMessage)
	}
	group, err := d.scheme.UnmarshalGroup(params.GroupState)
	if err != nil {
		return fmt.Errorf("%w: undecodable group state: %v", ErrInvalidMessage, err)
	}
	if group.GroupID() != groupID {
		return fmt.Errorf("%w: group state is for %v", ErrInvalidMessage, group.GroupID())
	}
	members := group.Members()
	if len(members) != 1 {
		return fmt.Errorf("%w: fresh group has %d members", ErrInvalidMessage, len(members))
	}

	now := time.Now()
	state := newGroupState(d.scheme.Name(), group)
	hash := params.CreatorAuthKey.Hash()
	state.userProfiles[hash] = &UserProfile{UserAuthKey: params.CreatorAuthKey}
	state.addClient(hash, &ClientProfile{
		LeafIndex:       members[0].Index,
		CredentialChain: params.CreatorCredential,
		QueueReference:  params.CreatorQueueReference,
		ActivityTime:    now,
		ActivityEpoch:   group.Epoch(),
	})
	if err = d.saveGroup(state, key, now); err != nil {
		return err
	}
	d.log.Debugf("Created group %v", groupID)
	return nil
}

// JoinGroup admits an additional device of an existing group user.
func (d *DS) JoinGroup(groupID wire.GroupID, key *ear.GroupStateKey, params *wire.JoinGroupParams) error {
	return d.commitOp(groupID, opJoinGroup, key, func(s *GroupState, now time.Time) (*commitResult, error) {
		return s.joinGroup(params, now)
	})
}

// JoinConnectionGroup admits a new user into a connection group.
func (d *DS) JoinConnectionGroup(groupID wire.GroupID, key *ear.GroupStateKey, params *wire.JoinConnectionGroupParams) error {
	return d.commitOp(groupID, opJoinConnectionGroup, key, func(s *GroupState, now time.Time) (*commitResult, error) {
		return s.joinConnectionGroup(params, now)
	})
}

// RemoveClients removes member devices and rotates the sender's user
// authentication key.
func (d *DS) RemoveClients(groupID wire.GroupID, key *ear.GroupStateKey, params *wire.RemoveClientsParams) error {
	return d.commitOp(groupID, opRemoveClients, key, func(s *GroupState, _ time.Time) (*commitResult, error) {
		return s.removeClients(params)
	})
}

// RemoveUsers removes entire users; every device of every targeted user
// must be covered by the commit.
func (d *DS) RemoveUsers(groupID wire.GroupID, key *ear.GroupStateKey, params *wire.RemoveUsersParams) error {
	return d.commitOp(groupID, opRemoveUsers, key, func(s *GroupState, _ time.Time) (*commitResult, error) {
		return s.removeUsers(params)
	})
}

// UpdateClient refreshes the sender's leaf, optionally replacing its
// credential and rotating the user authentication key.
func (d *DS) UpdateClient(groupID wire.GroupID, key *ear.GroupStateKey, params *wire.UpdateClientParams) error {
	return d.commitOp(groupID, opUpdateClient, key, func(s *GroupState, now time.Time) (*commitResult, error) {
		return s.updateClient(params, now)
	})
}

// DeleteGroup dissolves a group. The stored state is deleted before the
// dissolution commit is fanned out to the former members; a client that
// never receives the commit finds the group gone instead.
func (d *DS) DeleteGroup(groupID wire.GroupID, key *ear.GroupStateKey, params *wire.DeleteGroupParams) (err error) {
	defer func() {
		operationsProcessed.WithLabelValues(opDeleteGroup, outcomeLabel(err)).Inc()
	}()
	l := d.lockGroup(groupID)
	defer d.unlockGroup(groupID, l)

	state, err := d.loadGroup(groupID, key)
	if err != nil {
		return err
	}
	result, err := state.deleteGroup(params)
	if err != nil {
		return err
	}
	if err = d.store.DeleteGroup(groupID); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	d.fanOut(result, time.Now())
	d.log.Noticef("Dissolved group %v at epoch %d", groupID, result.epoch)
	return nil
}

// DistributeMessage fans an application message out to the other members.
// The message is not processed and the group state is left untouched.
func (d *DS) DistributeMessage(groupID wire.GroupID, key *ear.GroupStateKey, params *wire.DistributeMessageParams) (err error) {
	defer func() {
		operationsProcessed.WithLabelValues(opDistributeMessage, outcomeLabel(err)).Inc()
	}()
	l := d.lockGroup(groupID)
	defer d.unlockGroup(groupID, l)

	state, err := d.loadGroup(groupID, key)
	if err != nil {
		return err
	}
	result, err := state.distributeMessage(params)
	if err != nil {
		return err
	}
	d.fanOut(result, time.Now())
	return nil
}

// distributeMessage checks that the declared sender is a current member
// and addresses the message to everyone else.
func (s *GroupState) distributeMessage(params *wire.DistributeMessageParams) (*commitResult, error) {
	if len(params.Message) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidMessage)
	}
	if _, ok := s.clientProfiles[params.Sender]; !ok {
		return nil, fmt.Errorf("%w: unknown sender leaf %d", ErrInvalidMessage, params.Sender)
	}
	return &commitResult{
		payload:    params.Message,
		recipients: s.queueReferencesExcept(params.Sender),
		epoch:      s.group.Epoch(),
	}, nil
}

// commitOp is the shared path of every commit operation: load and decrypt
// under the group lock, apply, persist, fan out. An apply error discards
// the in-memory state; nothing reaches storage from a failed operation.
func (d *DS) commitOp(groupID wire.GroupID, op string, key *ear.GroupStateKey, apply func(*GroupState, time.Time) (*commitResult, error)) (err error) {
	defer func() {
		operationsProcessed.WithLabelValues(op, outcomeLabel(err)).Inc()
	}()
	l := d.lockGroup(groupID)
	defer d.unlockGroup(groupID, l)

	state, err := d.loadGroup(groupID, key)
	if err != nil {
		return err
	}
	now := time.Now()
	result, err := apply(state, now)
	if err != nil {
		d.log.Debugf("Rejected %s for group %v: %v", op, groupID, err)
		return err
	}
	if err = d.saveGroup(state, key, now); err != nil {
		return err
	}
	d.fanOut(result, now)
	d.log.Debugf("Applied %s to group %v, epoch %d, %d recipients", op, groupID, result.epoch, len(result.recipients))
	return nil
}

func (d *DS) loadGroup(id wire.GroupID, key *ear.GroupStateKey) (*GroupState, error) {
	stored, result, err := d.store.LoadGroup(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if result != storage.GroupFound {
		return nil, fmt.Errorf("%w: %v", ErrGroupNotFound, id)
	}
	return openGroupState(stored.Ciphertext, key, id)
}

func (d *DS) saveGroup(s *GroupState, key *ear.GroupStateKey, now time.Time) error {
	ct, err := s.seal(key)
	if err != nil {
		return err
	}
	stored := &storage.StoredGroup{
		GroupID:    s.group.GroupID(),
		Ciphertext: ct,
		LastUsed:   now,
	}
	if err = d.store.SaveGroup(stored); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

func (d *DS) fanOut(result *commitResult, now time.Time) {
	if len(result.recipients) == 0 {
		return
	}
	payload := wire.FanOutPayload{
		Timestamp:   now,
		MessageType: wire.MessageTypeProtocol,
		Payload:     result.payload,
	}
	for _, ref := range result.recipients {
		d.connector.Dispatch(&wire.FanOutMessage{
			Payload:         payload,
			ClientReference: ref,
		})
	}
}

// Sweep removes expired group id reservations and groups idle past the
// configured expiration, returning the number of records removed. The
// janitor calls this periodically; the management interface may force it.
func (d *DS) Sweep() (int, error) {
	now := time.Now()
	cutoff := now.AddDate(0, 0, -d.cfg.Groups.ExpirationDays)
	n, err := d.store.SweepGroups(now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if n > 0 {
		groupsSwept.Add(float64(n))
	}
	return n, nil
}

// janitor periodically removes expired group id reservations and groups
// idle past the configured expiration.
func (d *DS) janitor() {
	t := time.NewTicker(time.Duration(d.cfg.Groups.SweepInterval) * time.Minute)
	defer t.Stop()
	for {
		select {
		case <-d.HaltCh():
			return
		case <-t.C:
		}
		n, err := d.Sweep()
		if err != nil {
			d.log.Warningf("Expiration sweep failed: %v", err)
			continue
		}
		if n > 0 {
			d.log.Debugf("Expiration sweep removed %d records", n)
		}
	}
}
