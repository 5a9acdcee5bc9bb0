package service

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/veyra/trustcore/internal/models"
	"github.com/veyra/trustcore/internal/repository"
	"github.com/veyra/trustcore/pkg/crypto"
	appErrors "github.com/veyra/trustcore/pkg/errors"
	"github.com/veyra/trustcore/pkg/events"
	"github.com/veyra/trustcore/pkg/storage"
)

// Lines of encrypted segments carry this prefix so plaintext and encrypted
// segments can coexist across a configuration change.
const encryptedLinePrefix = "gcm:"

// AuditConfig defines configuration for the audit journal.
type AuditConfig struct {
	MinLevel        models.LogLevel
	TamperProofing  bool
	EncryptAtRest   bool
	BatchSize       int
	MaxSegmentBytes int64
	MaxSegments     int
	RetentionPeriod time.Duration
	SigningKeyPath  string
}

// AuditService is the append-only, HMAC-signed, hash-chained event journal.
// Append never blocks its caller on I/O and never fails from the caller's
// perspective; durable writes happen in Flush, scheduled or triggered by a
// full batch or a critical entry.
type AuditService struct {
	crypto   *crypto.Service
	store    *storage.FileStore
	segments *repository.SegmentRepository
	bus      *events.Bus
	logger   *zap.Logger
	metrics  *MetricsService
	config   AuditConfig

	alerts     *AlertEvaluator
	compliance *ComplianceEvaluator

	signingKey []byte
	now        func() time.Time

	mu            sync.Mutex
	sequence      uint64
	lastHash      string
	buffer        []*models.LogEntry
	activeSegment string

	// flushMu serializes the drain-encode-append phase of Flush. Flush is
	// called concurrently (full-batch goroutine, scheduler, verification,
	// shutdown); without this, batches could reach the segment out of
	// sequence order and break chain verification of an untampered log.
	flushMu sync.Mutex
}

// NewAuditService loads (or provisions) the signing key, recovers the chain
// position from the newest stored segment and returns the journal.
func NewAuditService(cryptoSvc *crypto.Service, store *storage.FileStore, segments *repository.SegmentRepository, bus *events.Bus, logger *zap.Logger, metrics *MetricsService, cfg AuditConfig) (*AuditService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.SigningKeyPath == "" {
		cfg.SigningKeyPath = "keys/audit-signing.key"
	}

	s := &AuditService{
		crypto:     cryptoSvc,
		store:      store,
		segments:   segments,
		bus:        bus,
		logger:     logger,
		metrics:    metrics,
		config:     cfg,
		alerts:     NewAlertEvaluator(bus, logger),
		compliance: NewComplianceEvaluator(bus, logger),
		now:        func() time.Time { return time.Now().UTC() },
	}

	if err := s.loadSigningKey(); err != nil {
		return nil, err
	}
	if err := s.recoverChain(); err != nil {
		return nil, err
	}
	return s, nil
}

// RegisterAlertRule adds an alert rule evaluated on every appended entry.
func (s *AuditService) RegisterAlertRule(rule models.AlertRule) {
	s.alerts.Register(rule)
}

// RegisterComplianceRule adds a compliance rule evaluated on every appended
// entry.
func (s *AuditService) RegisterComplianceRule(rule models.ComplianceRule) {
	s.compliance.Register(rule)
}

// Append records an event. It always succeeds from the caller's
// perspective: entries below the configured minimum level are dropped, and
// storage problems are handled by the flush retry path, never surfaced
// here. The assigned sequence number is returned.
func (s *AuditService) Append(category string, level models.LogLevel, message string, data map[string]string) uint64 {
	if level.Severity() < s.config.MinLevel.Severity() {
		return 0
	}

	s.mu.Lock()
	s.sequence++
	entry := &models.LogEntry{
		Sequence:  s.sequence,
		Timestamp: s.now(),
		Category:  category,
		Level:     level,
		Message:   message,
		Data:      data,
		PrevHash:  s.lastHash,
	}
	if s.config.TamperProofing {
		entry.Signature = s.sign(entry)
		entry.ChainHash = s.chainHash(entry.Sequence, entry.PrevHash, entry.Signature)
		s.lastHash = entry.ChainHash
	}
	s.buffer = append(s.buffer, entry)
	flushNow := len(s.buffer) >= s.config.BatchSize || level == models.LevelCritical
	seq := entry.Sequence
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordAuditEntry(category, string(level))
	}
	if s.bus != nil {
		s.bus.Publish(events.LogEntry{Sequence: seq, Category: category, Level: string(level), Message: message})
	}

	s.alerts.Evaluate(entry)
	if category != models.CategoryCompliance {
		for _, v := range s.compliance.Evaluate(entry) {
			s.Append(models.CategoryCompliance, models.LevelCritical,
				fmt.Sprintf("compliance violation: rule %s (%s)", v.RuleID, v.Framework),
				map[string]string{"rule_id": v.RuleID, "framework": v.Framework, "entry_sequence": strconv.FormatUint(seq, 10)})
		}
	}

	if flushNow {
		go func() {
			if err := s.Flush(); err != nil {
				s.logger.Warn("immediate flush failed, batch requeued", zap.Error(err))
			}
		}()
	}
	return seq
}

// Flush drains the buffer and appends the batch to the active segment. On
// storage failure the batch is pushed back to the front of the buffer for
// the next scheduled flush; sequence numbers make the retry idempotent.
func (s *AuditService) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	if s.activeSegment == "" {
		s.activeSegment = repository.SegmentName(s.now())
	}
	segment := s.activeSegment
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	lines, err := s.encodeEntries(batch)
	if err == nil {
		err = s.segments.AppendLines(segment, lines)
	}
	if err != nil {
		s.mu.Lock()
		s.buffer = append(batch, s.buffer...)
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordFlush(false, time.Since(start))
		}
		return appErrors.Wrap(err, appErrors.ErrStorageFailure.Code, appErrors.ErrStorageFailure.Status, "flush audit batch")
	}
	if s.metrics != nil {
		s.metrics.RecordFlush(true, time.Since(start))
	}

	if s.config.MaxSegmentBytes > 0 && s.segments.Size(segment) >= s.config.MaxSegmentBytes {
		s.Rotate()
	}
	return nil
}

// Rotate finalizes the active segment, opens a new one and prunes segments
// beyond the configured count or retention period.
func (s *AuditService) Rotate() {
	s.mu.Lock()
	next := repository.SegmentName(s.now())
	if next == s.activeSegment {
		next = repository.SegmentName(s.now().Add(time.Second))
	}
	s.activeSegment = next
	s.mu.Unlock()

	names, err := s.segments.List()
	if err != nil {
		s.logger.Warn("segment listing failed during rotation", zap.Error(err))
		return
	}

	cutoff := s.now().Add(-s.config.RetentionPeriod)
	remaining := len(names)
	for _, name := range names {
		if name == next {
			continue
		}
		created, ok := repository.CreatedAt(name)
		expired := s.config.RetentionPeriod > 0 && ok && created.Before(cutoff)
		overCount := s.config.MaxSegments > 0 && remaining > s.config.MaxSegments
		if !expired && !overCount {
			break
		}
		if err := s.segments.Remove(name); err != nil {
			s.logger.Warn("segment prune failed", zap.String("segment", name), zap.Error(err))
			continue
		}
		remaining--
		s.logger.Info("audit segment pruned", zap.String("segment", name))
	}
}

// VerifyIntegrity re-derives every entry's signature and chain hash and
// compares them to the stored values. With an empty segment name all
// segments are verified oldest-first so the chain is checked across
// rotation boundaries. A failed verification is recorded as a new critical
// entry; history is never rewritten.
func (s *AuditService) VerifyIntegrity(ctx context.Context, segment string) (*models.IntegrityReport, error) {
	if err := s.Flush(); err != nil {
		s.logger.Warn("pre-verification flush failed", zap.Error(err))
	}

	var names []string
	if segment != "" {
		names = []string{segment}
	} else {
		listed, err := s.segments.List()
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrStorageFailure.Code, appErrors.ErrStorageFailure.Status, "list audit segments")
		}
		names = listed
	}

	report := &models.IntegrityReport{Segment: segment, Valid: true, VerifiedAt: s.now()}
	var prev *models.LogEntry

	for _, name := range names {
		lines, err := s.segments.ReadLines(name)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrStorageFailure.Code, appErrors.ErrStorageFailure.Status, "read audit segment")
		}
		for _, line := range lines {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			entry, err := s.decodeEntry(line)
			if err != nil {
				report.Violations = append(report.Violations, models.IntegrityViolation{
					Type: models.ViolationMalformedEntry, Detail: err.Error(),
				})
				report.TotalEntries++
				continue
			}
			report.TotalEntries++

			// Signature and chain material only exist when tamper
			// proofing was on at write time.
			if s.config.TamperProofing {
				if expected := s.sign(entry); expected != entry.Signature {
					report.Violations = append(report.Violations, models.IntegrityViolation{
						Sequence: entry.Sequence,
						Type:     models.ViolationSignatureMismatch,
						Detail:   "stored signature does not match entry fields",
					})
				}
				if expected := s.chainHash(entry.Sequence, entry.PrevHash, entry.Signature); expected != entry.ChainHash {
					report.Violations = append(report.Violations, models.IntegrityViolation{
						Sequence: entry.Sequence,
						Type:     models.ViolationChainHashMismatch,
						Detail:   "stored chain hash does not match sequence, previous hash and signature",
					})
				}
			}
			if prev != nil {
				if entry.Sequence <= prev.Sequence {
					report.Violations = append(report.Violations, models.IntegrityViolation{
						Sequence: entry.Sequence,
						Type:     models.ViolationMalformedEntry,
						Detail:   fmt.Sprintf("sequence %d not increasing after %d", entry.Sequence, prev.Sequence),
					})
				}
				if s.config.TamperProofing && entry.PrevHash != prev.ChainHash {
					report.Violations = append(report.Violations, models.IntegrityViolation{
						Sequence: entry.Sequence,
						Type:     models.ViolationChainHashMismatch,
						Detail:   "previous hash does not match predecessor chain hash; later links unverifiable against tampered predecessor",
					})
				}
			}
			prev = entry
		}
	}

	report.Valid = len(report.Violations) == 0
	if !report.Valid {
		s.Append(models.CategorySecurity, models.LevelCritical, "audit log integrity violation detected", map[string]string{
			"segment":    segment,
			"violations": strconv.Itoa(len(report.Violations)),
		})
	}
	return report, nil
}

// Query returns stored and buffered entries matching the filter, oldest
// first.
func (s *AuditService) Query(ctx context.Context, filter models.QueryFilter) ([]*models.LogEntry, error) {
	names, err := s.segments.List()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrStorageFailure.Code, appErrors.ErrStorageFailure.Status, "list audit segments")
	}

	var results []*models.LogEntry
	appendMatch := func(entry *models.LogEntry) bool {
		if filter.Category != "" && entry.Category != filter.Category {
			return true
		}
		if filter.MinLevel != "" && entry.Level.Severity() < filter.MinLevel.Severity() {
			return true
		}
		if !filter.Start.IsZero() && entry.Timestamp.Before(filter.Start) {
			return true
		}
		if !filter.End.IsZero() && entry.Timestamp.After(filter.End) {
			return true
		}
		results = append(results, entry)
		return filter.Limit <= 0 || len(results) < filter.Limit
	}

	for _, name := range names {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		lines, err := s.segments.ReadLines(name)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrStorageFailure.Code, appErrors.ErrStorageFailure.Status, "read audit segment")
		}
		for _, line := range lines {
			entry, err := s.decodeEntry(line)
			if err != nil {
				continue
			}
			if !appendMatch(entry) {
				return results, nil
			}
		}
	}

	s.mu.Lock()
	buffered := append([]*models.LogEntry(nil), s.buffer...)
	s.mu.Unlock()
	for _, entry := range buffered {
		if !appendMatch(entry) {
			break
		}
	}
	return results, nil
}

// ComplianceSummary exposes the evaluator state for reporting.
func (s *AuditService) ComplianceSummary() []models.ComplianceRuleResult {
	return s.compliance.Summary()
}

// ResetComplianceCounters explicitly clears all violation counters.
func (s *AuditService) ResetComplianceCounters() {
	s.compliance.Reset()
}

// LastSequence returns the most recently assigned sequence number.
func (s *AuditService) LastSequence() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sequence
}

// Status reports journal health for the coordinator.
func (s *AuditService) Status() models.ComponentStatus {
	s.mu.Lock()
	buffered := len(s.buffer)
	seq := s.sequence
	s.mu.Unlock()
	return models.ComponentStatus{
		Component: "audit",
		Status:    "ok",
		Detail:    fmt.Sprintf("sequence=%d buffered=%d", seq, buffered),
	}
}

func (s *AuditService) sign(entry *models.LogEntry) string {
	payload := entry.CanonicalPayload()
	if payload == nil {
		return ""
	}
	return hex.EncodeToString(s.crypto.HMAC(payload, s.signingKey))
}

func (s *AuditService) chainHash(sequence uint64, prevHash, signature string) string {
	material := strconv.FormatUint(sequence, 10) + "|" + prevHash + "|" + signature
	return hex.EncodeToString(s.crypto.Hash([]byte(material)))
}

func (s *AuditService) encodeEntries(batch []*models.LogEntry) ([][]byte, error) {
	lines := make([][]byte, 0, len(batch))
	for _, entry := range batch {
		raw, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("encode entry %d: %w", entry.Sequence, err)
		}
		if s.config.EncryptAtRest {
			sealed, err := s.crypto.Encrypt(raw)
			if err != nil {
				return nil, fmt.Errorf("encrypt entry %d: %w", entry.Sequence, err)
			}
			raw = []byte(encryptedLinePrefix + base64.StdEncoding.EncodeToString(sealed))
		}
		lines = append(lines, raw)
	}
	return lines, nil
}

func (s *AuditService) decodeEntry(line []byte) (*models.LogEntry, error) {
	if strings.HasPrefix(string(line), encryptedLinePrefix) {
		sealed, err := base64.StdEncoding.DecodeString(string(line[len(encryptedLinePrefix):]))
		if err != nil {
			return nil, fmt.Errorf("decode encrypted entry: %w", err)
		}
		plain, err := s.crypto.Decrypt(sealed)
		if err != nil {
			return nil, fmt.Errorf("decrypt entry: %w", err)
		}
		line = plain
	}
	var entry models.LogEntry
	if err := json.Unmarshal(line, &entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &entry, nil
}

func (s *AuditService) loadSigningKey() error {
	if s.store.Exists(s.config.SigningKeyPath) {
		key, err := s.store.Read(s.config.SigningKeyPath)
		if err != nil {
			return appErrors.Wrap(err, appErrors.ErrStorageFailure.Code, appErrors.ErrStorageFailure.Status, "load signing key")
		}
		s.signingKey = key
		return nil
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "generate signing key")
	}
	if err := s.store.Write(s.config.SigningKeyPath, key); err != nil {
		return appErrors.Wrap(err, appErrors.ErrStorageFailure.Code, appErrors.ErrStorageFailure.Status, "persist signing key")
	}
	s.signingKey = key
	return nil
}

// recoverChain restores sequence and last chain hash from the newest stored
// entry so the chain continues across restarts.
func (s *AuditService) recoverChain() error {
	names, err := s.segments.List()
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrStorageFailure.Code, appErrors.ErrStorageFailure.Status, "list audit segments")
	}
	if len(names) == 0 {
		return nil
	}
	newest := names[len(names)-1]
	lines, err := s.segments.ReadLines(newest)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrStorageFailure.Code, appErrors.ErrStorageFailure.Status, "read newest audit segment")
	}
	if len(lines) == 0 {
		s.activeSegment = newest
		return nil
	}
	entry, err := s.decodeEntry(lines[len(lines)-1])
	if err != nil {
		s.logger.Warn("newest audit entry unreadable, starting fresh chain", zap.Error(err))
		return nil
	}
	s.sequence = entry.Sequence
	s.lastHash = entry.ChainHash
	s.activeSegment = newest
	return nil
}
