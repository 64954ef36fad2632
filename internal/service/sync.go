package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"stravasync/internal/auth"
	"stravasync/internal/metrics"
	"stravasync/internal/sink"
	"stravasync/internal/store"
	"stravasync/internal/strava"
	"stravasync/internal/stream"
)

// ErrAccountHalted is returned for accounts whose authorization was revoked.
// They stay halted until `stravasync authorize` stores a new credential.
var ErrAccountHalted = errors.New("account halted")

// API is the subset of the Strava client used by a sync run
type API interface {
	GetAthlete(ctx context.Context) (*strava.Athlete, error)
	ListActivities(ctx context.Context, after int64, perPage int) ([]strava.ActivitySummary, error)
	GetActivity(ctx context.Context, activityID int64) (*strava.ActivityDetail, error)
	GetActivityStreams(ctx context.Context, activityID int64) (*strava.Streams, error)
}

// ClientFactory builds an API client authenticated by tokens
type ClientFactory func(tokens oauth2.TokenSource) API

// Tokens is the token manager
type Tokens interface {
	HasCredential(ctx context.Context, account string) (bool, error)
	Exchange(ctx context.Context, account, code string) (*store.Credential, *auth.TokenAthlete, error)
	EnsureFresh(ctx context.Context, account string) (*store.Credential, error)
	TokenSource(ctx context.Context, account string) oauth2.TokenSource
}

// Checkpoints persists account state and the pending update queue
type Checkpoints interface {
	GetAccount(ctx context.Context, name string) (*store.Account, error)
	CreateAccount(ctx context.Context, a *store.Account) error
	AdvanceCursor(ctx context.Context, name string, cursor int64) error
	ApplyReindex(ctx context.Context, name string, from int64) (bool, error)
	SetProfile(ctx context.Context, name string, athleteID int64, displayName string) error
	SetHalted(ctx context.Context, name, reason string) error
	ListPending(ctx context.Context, athleteID int64) ([]store.PendingUpdate, error)
	AppendPending(ctx context.Context, athleteID, activityID int64, source string) error
	RemovePending(ctx context.Context, athleteID, activityID, throughSeq int64) error
	MarkSkipped(ctx context.Context, athleteID, activityID int64, reason string) error
	IsSkipped(ctx context.Context, athleteID, activityID int64) (bool, error)
	ClearSkipped(ctx context.Context, athleteID, activityID int64) error
	ResetSkipped(ctx context.Context, athleteID int64) error
	SaveAthlete(ctx context.Context, a *store.Athlete) error
	SetSyncState(ctx context.Context, key, value string) error
}

// Account is one configured input
type Account struct {
	Name      string
	AuthCode  string // used for the first exchange only
	StartTime int64  // initial cursor, unix seconds
}

// State is a phase of a sync run
type State int

const (
	StateBootstrapping State = iota
	StateDraining
	StatePaginating
	StateIdle
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateBootstrapping:
		return "bootstrapping"
	case StateDraining:
		return "draining"
	case StatePaginating:
		return "paginating"
	case StateIdle:
		return "idle"
	case StateHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// SyncResult contains the results of one account run
type SyncResult struct {
	Account           string
	RunID             string
	State             State
	ActivitiesWritten int
	SamplesWritten    int
	QueueDrained      int
	Skipped           int
	Cursor            int64
	Reindexed         bool
}

// SyncService runs the sync state machine for every configured account
type SyncService struct {
	accounts    []Account
	tokens      Tokens
	checkpoints Checkpoints
	sink        sink.Sink
	newClient   ClientFactory
	logger      *slog.Logger
	pageSize    int
	now         func() time.Time
	onReindex   func()

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Option configures a SyncService
type Option func(*SyncService)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *SyncService) { s.logger = l }
}

// WithPageSize sets the activity listing page size
func WithPageSize(n int) Option {
	return func(s *SyncService) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

// WithReindexHook is called after a run consumed a reindex request, so the
// scheduler can start the follow-up run right away.
func WithReindexHook(fn func()) Option {
	return func(s *SyncService) { s.onReindex = fn }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *SyncService) { s.now = now }
}

// NewSyncService creates a new sync service
func NewSyncService(accounts []Account, tokens Tokens, checkpoints Checkpoints, out sink.Sink, newClient ClientFactory, opts ...Option) *SyncService {
	s := &SyncService{
		accounts:    accounts,
		tokens:      tokens,
		checkpoints: checkpoints,
		sink:        out,
		newClient:   newClient,
		logger:      slog.Default(),
		pageSize:    strava.DefaultPageSize,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks that every account can start a run
func (s *SyncService) Validate(ctx context.Context) error {
	if len(s.accounts) == 0 {
		return errors.New("no accounts configured - add one to the accounts section of the config file")
	}

	seen := make(map[string]bool, len(s.accounts))
	var errs []error
	for _, a := range s.accounts {
		if a.Name == "" {
			errs = append(errs, errors.New("account name is required"))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("account %q is configured twice", a.Name))
			continue
		}
		seen[a.Name] = true

		has, err := s.tokens.HasCredential(ctx, a.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("account %q: reading credential: %w", a.Name, err))
			continue
		}
		if !has && a.AuthCode == "" {
			errs = append(errs, fmt.Errorf("account %q is not authorized - run `stravasync authorize -account %s`", a.Name, a.Name))
		}
	}
	return errors.Join(errs...)
}

// Run syncs every account in order. Halted accounts are logged and skipped;
// other failures are joined into the returned error.
func (s *SyncService) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
		cancel()
	}()

	var errs []error
	reindexed := false
	for _, a := range s.accounts {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		result, err := s.RunAccount(ctx, a)
		if errors.Is(err, ErrAccountHalted) {
			s.logger.Warn("Skipping halted account", "account", a.Name, "error", err)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		reindexed = reindexed || result.Reindexed
	}

	if reindexed && s.onReindex != nil {
		s.onReindex()
	}
	return errors.Join(errs...)
}

// Stop interrupts the run in progress, if any
func (s *SyncService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

// RunAccount performs one run of the state machine for a single account
func (s *SyncService) RunAccount(ctx context.Context, a Account) (*SyncResult, error) {
	runID := uuid.NewString()
	r := &run{
		svc:    s,
		cfg:    a,
		log:    s.logger.With("run_id", runID, "account", a.Name),
		result: &SyncResult{Account: a.Name, RunID: runID, State: StateBootstrapping},
	}

	started := s.now()
	r.log.Info("Starting sync run")

	err := r.execute(ctx)

	metrics.Runs.WithLabelValues(a.Name, r.result.State.String()).Inc()
	if serr := s.checkpoints.SetSyncState(context.WithoutCancel(ctx), store.LastRunKey(a.Name), started.UTC().Format(time.RFC3339)); serr != nil {
		r.log.Warn("Could not record last run", "error", serr)
	}

	if err != nil {
		return r.result, err
	}
	r.log.Info("Sync run finished",
		"state", r.result.State.String(),
		"activities", r.result.ActivitiesWritten,
		"samples", r.result.SamplesWritten,
		"drained", r.result.QueueDrained,
		"skipped", r.result.Skipped,
		"cursor", r.result.Cursor,
		"duration", s.now().Sub(started).String())
	return r.result, nil
}

// run holds the state of one account run
type run struct {
	svc     *SyncService
	cfg     Account
	log     *slog.Logger
	result  *SyncResult
	account *store.Account
	client  API
}

func (r *run) execute(ctx context.Context) error {
	if err := r.bootstrap(ctx); err != nil {
		return r.halt(ctx, err)
	}
	if r.result.Reindexed {
		r.result.State = StateIdle
		return nil
	}

	r.result.State = StateDraining
	if err := r.drain(ctx); err != nil {
		return r.halt(ctx, err)
	}

	r.result.State = StatePaginating
	if err := r.paginate(ctx); err != nil {
		return r.halt(ctx, err)
	}

	r.result.State = StateIdle
	return nil
}

// bootstrap loads the account, performs the first exchange or a pending
// reindex, and makes sure the access token is fresh.
func (r *run) bootstrap(ctx context.Context) error {
	cp := r.svc.checkpoints

	acc, err := cp.GetAccount(ctx, r.cfg.Name)
	if errors.Is(err, store.ErrAccountNotFound) {
		acc = &store.Account{Name: r.cfg.Name, SyncCursor: r.cfg.StartTime}
		if err := cp.CreateAccount(ctx, acc); err != nil {
			return fmt.Errorf("creating account: %w", err)
		}
		// re-read in case another process created it first
		acc, err = cp.GetAccount(ctx, r.cfg.Name)
	}
	if err != nil {
		return fmt.Errorf("loading account: %w", err)
	}
	r.account = acc
	r.result.Cursor = acc.SyncCursor

	if acc.Halted {
		return fmt.Errorf("%w: %s", ErrAccountHalted, acc.HaltReason)
	}

	has, err := r.svc.tokens.HasCredential(ctx, acc.Name)
	if err != nil {
		return fmt.Errorf("loading credential: %w", err)
	}
	if !has {
		_, athlete, err := r.svc.tokens.Exchange(ctx, acc.Name, r.cfg.AuthCode)
		if err != nil {
			return err
		}
		if athlete != nil {
			if err := r.setProfile(ctx, athlete.ID, athlete.DisplayName()); err != nil {
				return err
			}
		}
		r.log.Info("Authorized new account", "athlete_id", acc.AthleteID, "cursor", acc.SyncCursor)
	}

	if acc.ReindexFrom != nil {
		from := *acc.ReindexFrom
		applied, err := cp.ApplyReindex(ctx, acc.Name, from)
		if err != nil {
			return fmt.Errorf("saving reindex cursor: %w", err)
		}
		// a replaced request is picked up by the follow-up run
		r.result.Reindexed = true
		if !applied {
			r.log.Info("Reindex request changed while starting, retrying")
			return nil
		}
		if err := cp.ResetSkipped(ctx, acc.AthleteID); err != nil {
			return fmt.Errorf("resetting skipped activities: %w", err)
		}
		acc.SyncCursor = from
		acc.ReindexFrom = nil
		r.result.Cursor = from
		metrics.SyncCursor.WithLabelValues(acc.Name).Set(float64(from))
		r.log.Info("Reindex requested, cursor reset", "cursor", from)
		return nil
	}

	if _, err := r.svc.tokens.EnsureFresh(ctx, acc.Name); err != nil {
		return err
	}
	r.client = r.svc.newClient(r.svc.tokens.TokenSource(ctx, acc.Name))

	return r.refreshAthlete(ctx)
}

// refreshAthlete saves the profile and fills in the athlete id when the
// token response did not carry it. A skip leaves the stored profile as is.
func (r *run) refreshAthlete(ctx context.Context) error {
	athlete, err := r.client.GetAthlete(ctx)
	if strava.IsSkip(err) {
		r.log.Warn("Could not fetch athlete profile", "reason", strava.SkipReason(err), "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetching athlete: %w", err)
	}

	profile := &store.Athlete{
		ID:        athlete.ID,
		Firstname: athlete.Firstname,
		Lastname:  athlete.Lastname,
	}
	if athlete.Detailed() {
		profile.Weight = athlete.Weight
		profile.FTP = athlete.FTP
	}
	if err := r.svc.checkpoints.SaveAthlete(ctx, profile); err != nil {
		return fmt.Errorf("saving athlete: %w", err)
	}

	id, name := r.account.AthleteID, r.account.DisplayName
	if id == 0 {
		id = athlete.ID
	}
	if full := profile.FullName(); full != "" {
		name = full
	}
	return r.setProfile(ctx, id, name)
}

// setProfile records the athlete id and display name when they changed
func (r *run) setProfile(ctx context.Context, athleteID int64, displayName string) error {
	if athleteID == r.account.AthleteID && displayName == r.account.DisplayName {
		return nil
	}
	if err := r.svc.checkpoints.SetProfile(ctx, r.account.Name, athleteID, displayName); err != nil {
		return fmt.Errorf("saving account: %w", err)
	}
	r.account.AthleteID = athleteID
	r.account.DisplayName = displayName
	return nil
}

// drain reprocesses every activity queued for this athlete, oldest first.
// Duplicate ids are processed once and all their entries removed. The cursor
// is not touched.
func (r *run) drain(ctx context.Context) error {
	athleteID := r.account.AthleteID
	pending, err := r.svc.checkpoints.ListPending(ctx, athleteID)
	if err != nil {
		return fmt.Errorf("listing pending updates: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	lastSeq := make(map[int64]int64, len(pending))
	retried := make(map[int64]bool)
	var order []int64
	for _, p := range pending {
		if _, ok := lastSeq[p.ActivityID]; !ok {
			order = append(order, p.ActivityID)
		}
		lastSeq[p.ActivityID] = p.Seq
		if p.Source == store.SourceRetry {
			retried[p.ActivityID] = true
		}
	}
	r.log.Info("Draining pending updates", "entries", len(pending), "activities", len(order))

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := r.processActivity(ctx, id, "drain")
		switch {
		case err == nil:
			if err := r.svc.checkpoints.ClearSkipped(ctx, athleteID, id); err != nil {
				return fmt.Errorf("clearing skipped activity %d: %w", id, err)
			}
		case !strava.IsSkip(err):
			return fmt.Errorf("activity %d: %w", id, err)
		case retried[id]:
			// failed twice: pagination passes over it from now on
			r.skipped(err, "activity", "Skipping activity after its retry", "activity_id", id)
			if err := r.svc.checkpoints.MarkSkipped(ctx, athleteID, id, strava.SkipReason(err)); err != nil {
				return fmt.Errorf("recording skipped activity %d: %w", id, err)
			}
		default:
			r.skipped(err, "activity", "Skipping queued activity", "activity_id", id)
		}

		if err := r.svc.checkpoints.RemovePending(ctx, athleteID, id, lastSeq[id]); err != nil {
			return fmt.Errorf("removing pending update %d: %w", id, err)
		}
		r.result.QueueDrained++
	}
	return nil
}

// paginate walks the activity history forward from the cursor. The cursor
// moves to an activity's start time only once its records are written; a
// skipped activity is queued for one retry by the next run's drain instead,
// and one that failed its retry too is passed over like a written one.
func (r *run) paginate(ctx context.Context) error {
	after := r.account.SyncCursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		page, err := r.client.ListActivities(ctx, after, r.svc.pageSize)
		if err != nil {
			return fmt.Errorf("listing activities after %d: %w", after, err)
		}
		if len(page) == 0 {
			return nil
		}

		newest := after
		for _, a := range page {
			start := a.StartDate.Unix()
			if start > newest {
				newest = start
			}

			skipped, err := r.svc.checkpoints.IsSkipped(ctx, r.account.AthleteID, a.ID)
			if err != nil {
				return fmt.Errorf("checking skipped activity %d: %w", a.ID, err)
			}
			if skipped {
				r.log.Debug("Passing over activity that failed its retry", "activity_id", a.ID, "start", start)
				if err := r.advance(ctx, start); err != nil {
					return err
				}
				continue
			}

			detail, err := r.processActivity(ctx, a.ID, "paginate")
			if err != nil {
				if !strava.IsSkip(err) {
					return fmt.Errorf("activity %d: %w", a.ID, err)
				}
				r.skipped(err, "activity", "Skipping activity, queued for retry", "activity_id", a.ID, "start", start)
				if qerr := r.svc.checkpoints.AppendPending(ctx, r.account.AthleteID, a.ID, store.SourceRetry); qerr != nil {
					return fmt.Errorf("queueing activity %d for retry: %w", a.ID, qerr)
				}
				continue
			}

			if !detail.StartDate.IsZero() {
				start = detail.StartDate.Unix()
			}
			if err := r.advance(ctx, start); err != nil {
				return err
			}
		}

		// Strava has nothing after newest; without this a page ending in
		// skipped activities would be listed again
		after = newest
	}
}

// advance persists the cursor after a processed activity
func (r *run) advance(ctx context.Context, start int64) error {
	if start <= r.account.SyncCursor {
		return nil
	}
	if err := r.svc.checkpoints.AdvanceCursor(ctx, r.account.Name, start); err != nil {
		return fmt.Errorf("saving cursor %d: %w", start, err)
	}
	r.account.SyncCursor = start
	r.result.Cursor = start
	metrics.SyncCursor.WithLabelValues(r.account.Name).Set(float64(start))
	return nil
}

// processActivity writes the activity detail and its stream samples. Stream
// skips and unusable stream data keep the detail.
func (r *run) processActivity(ctx context.Context, activityID int64, phase string) (*strava.ActivityDetail, error) {
	detail, err := r.client.GetActivity(ctx, activityID)
	if err != nil {
		return nil, err
	}

	startTime := detail.StartDate
	if err := r.svc.sink.Write(ctx, sink.Record{
		Category: sink.CategoryActivity,
		Account:  r.account.Name,
		Key:      strconv.FormatInt(activityID, 10),
		Time:     startTime,
		Data:     detail.Raw,
	}); err != nil {
		return nil, fmt.Errorf("writing activity: %w", err)
	}
	r.result.ActivitiesWritten++
	metrics.ActivitiesWritten.WithLabelValues(r.account.Name, phase).Inc()

	if err := r.writeStreams(ctx, activityID, startTime); err != nil {
		return nil, err
	}
	return detail, nil
}

func (r *run) writeStreams(ctx context.Context, activityID int64, start time.Time) error {
	streams, err := r.client.GetActivityStreams(ctx, activityID)
	if strava.IsSkip(err) {
		r.skipped(err, "stream", "No stream data for activity", "activity_id", activityID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetching streams: %w", err)
	}

	samples, err := stream.Reshape(activityID, start, streams)
	if errors.Is(err, stream.ErrLengthMismatch) || errors.Is(err, stream.ErrNoTimeStream) {
		r.result.Skipped++
		metrics.ActivitiesSkipped.WithLabelValues(r.account.Name, "stream", "bad_data").Inc()
		r.log.Warn("Discarding unusable stream data", "activity_id", activityID, "error", err)
		return nil
	}
	if err != nil {
		return err
	}

	key := strconv.FormatInt(activityID, 10)
	records := make([]sink.Record, 0, len(samples))
	for _, s := range samples {
		data, err := sink.Marshal(s)
		if err != nil {
			return fmt.Errorf("encoding sample: %w", err)
		}
		ts, _ := time.Parse(stream.TimeFormat, s.Time)
		records = append(records, sink.Record{
			Category: sink.CategoryActivityStream,
			Account:  r.account.Name,
			Key:      key,
			Time:     ts,
			Data:     data,
		})
	}
	if len(records) > 0 {
		if err := r.svc.sink.WriteBatch(ctx, records); err != nil {
			return fmt.Errorf("writing %d stream samples: %w", len(records), err)
		}
	}
	r.result.SamplesWritten += len(samples)
	metrics.SamplesWritten.WithLabelValues(r.account.Name).Add(float64(len(samples)))
	return nil
}

func (r *run) skipped(err error, what, msg string, attrs ...any) {
	r.result.Skipped++
	reason := strava.SkipReason(err)
	metrics.ActivitiesSkipped.WithLabelValues(r.account.Name, what, reason).Inc()
	r.log.Warn(msg, append(attrs, "reason", reason, "error", err)...)
}

// halt ends the run. Revoked authorization is persisted so automatic runs
// stop until the account is authorized again.
func (r *run) halt(ctx context.Context, err error) error {
	state := r.result.State
	r.result.State = StateHalted

	if errors.Is(err, ErrAccountHalted) {
		return fmt.Errorf("account %q: %w", r.cfg.Name, err)
	}

	outcome := strava.OutcomeOf(err)
	if outcome != strava.OutcomeFatalAuth {
		r.log.Error("Sync run halted", "state", state.String(), "outcome", outcome.String(), "error", err)
		return fmt.Errorf("account %q: %w", r.cfg.Name, err)
	}

	reason := fmt.Sprintf("Strava rejected the credentials: check strava.client_id and strava.client_secret in the config file, then run `stravasync authorize -account %s`", r.cfg.Name)
	r.log.Error("Authorization invalid, halting account", "state", state.String(), "outcome", outcome.String(), "error", err)
	if r.account != nil {
		if serr := r.svc.checkpoints.SetHalted(context.WithoutCancel(ctx), r.account.Name, reason); serr != nil {
			r.log.Error("Could not persist halt", "error", serr)
		} else {
			r.account.Halted = true
			r.account.HaltReason = reason
		}
	}
	return fmt.Errorf("account %q: %s: %w", r.cfg.Name, reason, err)
}
