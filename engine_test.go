package privacyidea

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/privacyidea/privacyidea-sub004/pin"
)

type fakeTokenStore struct {
	mu   sync.Mutex
	recs map[string]*TokenRecord
}

func newFakeTokenStore(recs ...*TokenRecord) *fakeTokenStore {
	s := &fakeTokenStore{recs: make(map[string]*TokenRecord, len(recs))}
	for _, rec := range recs {
		s.recs[rec.Serial] = rec.Clone()
	}
	return s
}

func (s *fakeTokenStore) GetBySerial(_ context.Context, serial string) (*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[serial]
	if !ok {
		return nil, ErrTokenNotFound
	}
	return rec.Clone(), nil
}

func (s *fakeTokenStore) GetByUser(_ context.Context, login, realm string) ([]*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TokenRecord
	for _, rec := range s.recs {
		if rec.Owner == login && rec.OwnerRealm == realm {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func (s *fakeTokenStore) GetUnassignedByRealm(_ context.Context, realm string) ([]*TokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*TokenRecord
	for _, rec := range s.recs {
		if rec.Owner != "" {
			continue
		}
		for _, r := range rec.Realms {
			if r == realm {
				out = append(out, rec.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func (s *fakeTokenStore) Create(_ context.Context, rec *TokenRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.Serial]; ok {
		return ErrTokenExists
	}
	s.recs[rec.Serial] = rec.Clone()
	return nil
}

func (s *fakeTokenStore) Update(_ context.Context, serial string, fn func(rec *TokenRecord) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[serial]
	if !ok {
		return ErrTokenNotFound
	}
	working := rec.Clone()
	if err := fn(working); err != nil {
		return err
	}
	s.recs[serial] = working
	return nil
}

func (s *fakeTokenStore) Delete(_ context.Context, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[serial]; !ok {
		return ErrTokenNotFound
	}
	delete(s.recs, serial)
	return nil
}

type fakeResolver struct {
	users     map[string]*UserRef
	passwords map[string]string
}

func (r *fakeResolver) ResolveUser(_ context.Context, login, _ string) (*UserRef, error) {
	user, ok := r.users[login]
	if !ok {
		return nil, ErrUserNotFound
	}
	return user, nil
}

func (r *fakeResolver) CheckDirectoryPassword(_ context.Context, user *UserRef, password string) (bool, error) {
	return r.passwords[user.Login] == password, nil
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return client
}

func newTestHasher(t *testing.T) *pin.Argon2 {
	t.Helper()

	h, err := pin.NewArgon2(pin.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   16,
	})
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}
	return h
}

func newTestEngine(t *testing.T, tokens TokenStore, users UserResolver) *Engine {
	t.Helper()

	e := &Engine{
		config:  defaultConfig(),
		tokens:  tokens,
		users:   users,
		pin:     newTestHasher(t),
		metrics: NewMetrics(MetricsConfig{Enabled: true}),
	}
	e.challenges = newChallengeStore(newTestRedis(t), e.config.Challenge.RedisPrefix)
	if err := e.SetPolicies(nil); err != nil {
		t.Fatalf("SetPolicies failed: %v", err)
	}
	return e
}

func hashPIN(t *testing.T, value string) string {
	t.Helper()
	hash, err := newTestHasher(t).Hash(value)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	return hash
}

func aliceToken(t *testing.T, serial string) *TokenRecord {
	rec := eventRecord(0)
	rec.Serial = serial
	rec.Owner = "alice"
	rec.OwnerRealm = "realm1"
	rec.PINHash = hashPIN(t, "1234")
	return rec
}

func aliceResolver() *fakeResolver {
	return &fakeResolver{
		users: map[string]*UserRef{
			"alice": {Login: "alice", Realm: "realm1", Resolver: "ldap1"},
		},
		passwords: map[string]string{"alice": "secret99"},
	}
}

func TestAuthenticateByUserSuccess(t *testing.T) {
	ctx := context.Background()
	store := newFakeTokenStore(aliceToken(t, "OATH0001"))
	e := newTestEngine(t, store, aliceResolver())

	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "1234"+rfc4226Vectors[0], nil)
	if err != nil {
		t.Fatalf("AuthenticateByUser failed: %v", err)
	}
	if !res.Accepted {
		t.Fatalf("denied: %s", res.Message)
	}
	if res.Serial != "OATH0001" || res.TokenType != TokenTypeHOTP {
		t.Fatalf("result detail: %+v", res)
	}

	rec, err := store.GetBySerial(ctx, "OATH0001")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Counter != 1 {
		t.Fatalf("counter = %d, want 1", rec.Counter)
	}
	if e.MetricsSnapshot().Counters[MetricAuthSuccess] != 1 {
		t.Fatal("success metric not incremented")
	}
}

func TestAuthenticateByUserRejectsReplay(t *testing.T) {
	ctx := context.Background()
	store := newFakeTokenStore(aliceToken(t, "OATH0001"))
	e := newTestEngine(t, store, aliceResolver())

	if res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "1234"+rfc4226Vectors[2], nil); err != nil || !res.Accepted {
		t.Fatalf("first use: res=%+v err=%v", res, err)
	}
	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "1234"+rfc4226Vectors[2], nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted {
		t.Fatal("replayed otp accepted")
	}
	if res.Message != "wrong otp value" {
		t.Fatalf("replay must look like an ordinary failure, got %q", res.Message)
	}
}

func TestAuthenticateByUserWrongPIN(t *testing.T) {
	ctx := context.Background()
	store := newFakeTokenStore(aliceToken(t, "OATH0001"))
	e := newTestEngine(t, store, aliceResolver())

	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "9999"+rfc4226Vectors[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted {
		t.Fatal("wrong pin accepted")
	}
	if res.Message != "wrong otp pin" {
		t.Fatalf("message = %q", res.Message)
	}

	rec, _ := store.GetBySerial(ctx, "OATH0001")
	if rec.FailCount != 1 {
		t.Fatalf("failcount = %d, want 1", rec.FailCount)
	}
	if rec.Counter != 0 {
		t.Fatalf("counter moved to %d on failure", rec.Counter)
	}
}

func TestAuthenticateByUserWrongOTP(t *testing.T) {
	ctx := context.Background()
	store := newFakeTokenStore(aliceToken(t, "OATH0001"))
	e := newTestEngine(t, store, aliceResolver())

	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "1234000000", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted || res.Message != "wrong otp value" {
		t.Fatalf("res = %+v", res)
	}
	rec, _ := store.GetBySerial(ctx, "OATH0001")
	if rec.FailCount != 1 {
		t.Fatalf("failcount = %d, want 1", rec.FailCount)
	}
}

func TestAuthenticateByUserAmbiguousMatch(t *testing.T) {
	ctx := context.Background()
	// Two tokens sharing key, counter and pin: the same credential
	// validates on both.
	store := newFakeTokenStore(aliceToken(t, "OATH0001"), aliceToken(t, "OATH0002"))
	e := newTestEngine(t, store, aliceResolver())

	_, err := e.AuthenticateByUser(ctx, "alice", "realm1", "1234"+rfc4226Vectors[0], nil)
	if !errors.Is(err, ErrAmbiguousMatch) {
		t.Fatalf("got %v, want ErrAmbiguousMatch", err)
	}

	// Neither token may have committed the counter.
	for _, serial := range []string{"OATH0001", "OATH0002"} {
		rec, _ := store.GetBySerial(ctx, serial)
		if rec.Counter != 0 {
			t.Fatalf("%s counter = %d after ambiguous match", serial, rec.Counter)
		}
	}
	if e.MetricsSnapshot().Counters[MetricAuthAmbiguous] != 1 {
		t.Fatal("ambiguous metric not incremented")
	}
}

func TestAuthenticateByUserHighestWeightDiagnostic(t *testing.T) {
	ctx := context.Background()
	locked := aliceToken(t, "OATH0001")
	locked.FailCount = locked.MaxFail
	okPIN := aliceToken(t, "OATH0002")
	store := newFakeTokenStore(locked, okPIN)
	e := newTestEngine(t, store, aliceResolver())

	// Second token's pin matches but the otp is wrong: otp-mismatch (25)
	// outweighs locked (4).
	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "1234000000", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Message != "wrong otp value" || res.Serial != "OATH0002" {
		t.Fatalf("res = %+v", res)
	}

	// Locked token alone reports its own condition.
	store2 := newFakeTokenStore(locked)
	e2 := newTestEngine(t, store2, aliceResolver())
	res, err = e2.AuthenticateByUser(ctx, "alice", "realm1", "1234"+rfc4226Vectors[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Message != "failcounter exceeded" {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestAuthenticateBySerial(t *testing.T) {
	ctx := context.Background()
	store := newFakeTokenStore(aliceToken(t, "OATH0001"))
	e := newTestEngine(t, store, aliceResolver())

	res, err := e.AuthenticateBySerial(ctx, "OATH0001", "1234"+rfc4226Vectors[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted {
		t.Fatalf("denied: %s", res.Message)
	}

	if _, err := e.AuthenticateBySerial(ctx, "NOPE", "1234"+rfc4226Vectors[1], nil); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("got %v, want ErrTokenNotFound", err)
	}
}

func TestAuthenticateByUserUnknownUser(t *testing.T) {
	e := newTestEngine(t, newFakeTokenStore(), aliceResolver())
	_, err := e.AuthenticateByUser(context.Background(), "mallory", "realm1", "1234755224", nil)
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("got %v, want ErrUserNotFound", err)
	}
}

func TestPassthruPolicy(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, newFakeTokenStore(), aliceResolver())
	if err := e.SetPolicies([]Policy{{
		Name:     "pt",
		Scope:    ScopeAuthentication,
		Actions:  map[string]string{ActionPassthru: "userstore"},
		Active:   true,
		Priority: 1,
	}}); err != nil {
		t.Fatal(err)
	}

	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "secret99", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted {
		t.Fatalf("denied: %s", res.Message)
	}
	if e.MetricsSnapshot().Counters[MetricPassthruSuccess] != 1 {
		t.Fatal("passthru metric not incremented")
	}

	res, err = e.AuthenticateByUser(ctx, "alice", "realm1", "wrongpass", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted {
		t.Fatal("wrong directory password passed through")
	}
}

func TestPassthruRequiresPolicy(t *testing.T) {
	e := newTestEngine(t, newFakeTokenStore(), aliceResolver())
	res, err := e.AuthenticateByUser(context.Background(), "alice", "realm1", "secret99", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted {
		t.Fatal("passthru without policy accepted")
	}
}

func TestAutoAssignment(t *testing.T) {
	ctx := context.Background()
	unassigned := eventRecord(0)
	unassigned.Serial = "OATH0009"
	unassigned.Realms = []string{"realm1"}
	store := newFakeTokenStore(unassigned)
	e := newTestEngine(t, store, aliceResolver())
	if err := e.SetPolicies([]Policy{{
		Name:     "aa",
		Scope:    ScopeAuthentication,
		Actions:  map[string]string{ActionAutoassignment: "1"},
		Active:   true,
		Priority: 1,
	}}); err != nil {
		t.Fatal(err)
	}

	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "secret99"+rfc4226Vectors[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.Serial != "OATH0009" {
		t.Fatalf("res = %+v", res)
	}

	rec, _ := store.GetBySerial(ctx, "OATH0009")
	if rec.Owner != "alice" || rec.OwnerRealm != "realm1" {
		t.Fatalf("token not assigned: %+v", rec)
	}
	if rec.PINHash == "" {
		t.Fatal("directory password was not set as pin")
	}
	if rec.Counter != 1 {
		t.Fatalf("counter = %d, want 1", rec.Counter)
	}

	// The assigned token now answers ordinary authentications with the
	// directory password as its pin.
	res, err = e.AuthenticateByUser(ctx, "alice", "realm1", "secret99"+rfc4226Vectors[1], nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted {
		t.Fatalf("post-assignment auth denied: %s", res.Message)
	}
}

func TestValidTokenOutranksChallengeTrigger(t *testing.T) {
	ctx := context.Background()
	// The whole credential is the trigger token's pin, so it classifies
	// as a challenge request while the second token validates outright.
	trigger := aliceToken(t, "OATH0001")
	trigger.SetInfo(infoChallengeResponse, "true")
	trigger.OTPLength = 11
	trigger.PINHash = hashPIN(t, "1234"+rfc4226Vectors[0])
	valid := aliceToken(t, "OATH0002")
	store := newFakeTokenStore(trigger, valid)
	e := newTestEngine(t, store, aliceResolver())

	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "1234"+rfc4226Vectors[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted || res.Serial != "OATH0002" {
		t.Fatalf("res = %+v", res)
	}
	if res.TransactionID != "" {
		t.Fatal("challenge issued although a token validated")
	}
}

func TestAutoAssignmentWrongPasswordLeavesTokenUntouched(t *testing.T) {
	ctx := context.Background()
	unassigned := eventRecord(0)
	unassigned.Serial = "OATH0009"
	unassigned.Realms = []string{"realm1"}
	store := newFakeTokenStore(unassigned)
	e := newTestEngine(t, store, aliceResolver())
	if err := e.SetPolicies([]Policy{{
		Name:     "aa",
		Scope:    ScopeAuthentication,
		Actions:  map[string]string{ActionAutoassignment: "1"},
		Active:   true,
		Priority: 1,
	}}); err != nil {
		t.Fatal(err)
	}

	// The otp matches the candidate but the directory password is wrong:
	// the candidate scan must not consume or mark anything.
	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "wrongpass"+rfc4226Vectors[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted {
		t.Fatal("claimed with wrong directory password")
	}

	rec, _ := store.GetBySerial(ctx, "OATH0009")
	if rec.Owner != "" || rec.Counter != 0 || rec.FailCount != 0 {
		t.Fatalf("candidate scan left a trace: %+v", rec)
	}
}

func TestOTPPinNonePolicy(t *testing.T) {
	ctx := context.Background()
	store := newFakeTokenStore(aliceToken(t, "OATH0001"))
	e := newTestEngine(t, store, aliceResolver())
	if err := e.SetPolicies([]Policy{{
		Name:     "pinless",
		Scope:    ScopeAuthentication,
		Actions:  map[string]string{ActionOTPPIN: OTPPINNone},
		Active:   true,
		Priority: 1,
	}}); err != nil {
		t.Fatal(err)
	}

	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", rfc4226Vectors[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted {
		t.Fatalf("denied: %s", res.Message)
	}
}

func TestOTPPinUserstorePolicy(t *testing.T) {
	ctx := context.Background()
	store := newFakeTokenStore(aliceToken(t, "OATH0001"))
	e := newTestEngine(t, store, aliceResolver())
	if err := e.SetPolicies([]Policy{{
		Name:     "us",
		Scope:    ScopeAuthentication,
		Actions:  map[string]string{ActionOTPPIN: OTPPINUserstore},
		Active:   true,
		Priority: 1,
	}}); err != nil {
		t.Fatal(err)
	}

	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "secret99"+rfc4226Vectors[0], nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted {
		t.Fatalf("denied: %s", res.Message)
	}

	res, err = e.AuthenticateByUser(ctx, "alice", "realm1", "1234"+rfc4226Vectors[1], nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted {
		t.Fatal("token pin accepted under userstore policy")
	}
	if res.Message != "wrong password" {
		t.Fatalf("message = %q", res.Message)
	}
}

func TestChallengeResponseFlow(t *testing.T) {
	ctx := context.Background()
	rec := aliceToken(t, "OATH0001")
	rec.SetInfo(infoChallengeResponse, "true")
	store := newFakeTokenStore(rec)
	e := newTestEngine(t, store, aliceResolver())

	// PIN only triggers the challenge.
	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "1234", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Accepted {
		t.Fatal("pin-only request accepted outright")
	}
	if res.TransactionID == "" {
		t.Fatalf("no transaction id issued: %+v", res)
	}

	// The stored challenge carries the prompt as its data.
	ch, err := e.challenges.Get(ctx, res.TransactionID, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if ch.Data != e.config.Challenge.Prompt {
		t.Fatalf("challenge data = %q, want %q", ch.Data, e.config.Challenge.Prompt)
	}

	// Answering with the correct OTP closes the round.
	res, err = e.AuthenticateByUser(ctx, "alice", "realm1", rfc4226Vectors[0], map[string]string{
		"transaction_id": res.TransactionID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Accepted {
		t.Fatalf("challenge answer denied: %s", res.Message)
	}

	rec2, _ := store.GetBySerial(ctx, "OATH0001")
	if rec2.Counter != 1 {
		t.Fatalf("counter = %d, want 1", rec2.Counter)
	}
}

func TestChallengeAnswerConsumedOnce(t *testing.T) {
	ctx := context.Background()
	rec := aliceToken(t, "OATH0001")
	rec.SetInfo(infoChallengeResponse, "true")
	store := newFakeTokenStore(rec)
	e := newTestEngine(t, store, aliceResolver())

	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "1234", nil)
	if err != nil || res.TransactionID == "" {
		t.Fatalf("challenge creation: res=%+v err=%v", res, err)
	}
	txid := res.TransactionID

	first, err := e.AuthenticateByUser(ctx, "alice", "realm1", rfc4226Vectors[0], map[string]string{"transaction_id": txid})
	if err != nil || !first.Accepted {
		t.Fatalf("first answer: res=%+v err=%v", first, err)
	}

	second, err := e.AuthenticateByUser(ctx, "alice", "realm1", rfc4226Vectors[0], map[string]string{"transaction_id": txid})
	if err != nil {
		t.Fatal(err)
	}
	if second.Accepted {
		t.Fatal("consumed challenge answered twice")
	}
}

func TestEnrollToken(t *testing.T) {
	ctx := context.Background()
	store := newFakeTokenStore()
	e := newTestEngine(t, store, aliceResolver())

	res, err := e.EnrollToken(ctx, EnrollRequest{
		Type:       TokenTypeTOTP,
		OwnerLogin: "alice",
		OwnerRealm: "Realm1",
		PIN:        "1234",
	})
	if err != nil {
		t.Fatalf("EnrollToken failed: %v", err)
	}
	if res.Serial == "" || res.SecretBase32 == "" {
		t.Fatalf("incomplete result: %+v", res)
	}

	rec, err := store.GetBySerial(ctx, res.Serial)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Type != TokenTypeTOTP || !rec.Active {
		t.Fatalf("record: %+v", rec)
	}
	if rec.OwnerRealm != "realm1" {
		t.Fatalf("realm not lower-cased: %q", rec.OwnerRealm)
	}
	if rec.PINHash == "" {
		t.Fatal("pin not hashed")
	}

	if _, err := e.EnrollToken(ctx, EnrollRequest{Type: "push"}); err == nil {
		t.Fatal("unknown type enrolled")
	}
}

func TestSetTokenPIN(t *testing.T) {
	ctx := context.Background()
	store := newFakeTokenStore(aliceToken(t, "OATH0001"))
	e := newTestEngine(t, store, aliceResolver())

	if err := e.SetTokenPIN(ctx, "OATH0001", "777777", PINBeforeOTP); err != nil {
		t.Fatal(err)
	}
	res, err := e.AuthenticateByUser(ctx, "alice", "realm1", "777777"+rfc4226Vectors[0], nil)
	if err != nil || !res.Accepted {
		t.Fatalf("new pin rejected: res=%+v err=%v", res, err)
	}

	if err := e.SetTokenPIN(ctx, "OATH0001", "", PINBeforeOTP); err != nil {
		t.Fatal(err)
	}
	rec, _ := store.GetBySerial(ctx, "OATH0001")
	if rec.PINHash != "" {
		t.Fatal("empty pin did not clear the hash")
	}
}

func TestBuilderValidation(t *testing.T) {
	if _, err := New().Build(); err == nil {
		t.Fatal("builder without token store must fail")
	}

	b := New().WithTokenStore(newFakeTokenStore()).WithRedis(newTestRedis(t))
	e, err := b.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer e.Close()

	if _, err := b.Build(); err == nil {
		t.Fatal("builder reuse must fail")
	}

	bad := defaultConfig()
	bad.OTP.DefaultDigits = 3
	if _, err := New().WithConfig(bad).WithTokenStore(newFakeTokenStore()).WithRedis(newTestRedis(t)).Build(); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestAuditSinkReceivesEvents(t *testing.T) {
	ctx := context.Background()
	sink := NewChannelSink(16)
	e, err := New().
		WithTokenStore(newFakeTokenStore(aliceToken(t, "OATH0001"))).
		WithRedis(newTestRedis(t)).
		WithUserResolver(aliceResolver()).
		WithAuditSink(sink).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	defer e.Close()

	res, err := e.AuthenticateByUser(WithClientIP(ctx, "10.0.0.9"), "alice", "realm1", "1234"+rfc4226Vectors[0], nil)
	if err != nil || !res.Accepted {
		t.Fatalf("auth: res=%+v err=%v", res, err)
	}

	select {
	case event := <-sink.Events():
		if event.EventType != auditEventAuthSuccess || !event.Success {
			t.Fatalf("event = %+v", event)
		}
		if event.Serial != "OATH0001" || event.ClientIP != "10.0.0.9" {
			t.Fatalf("event detail = %+v", event)
		}
		if event.ID == "" {
			t.Fatal("event without correlation id")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no audit event emitted")
	}
}
