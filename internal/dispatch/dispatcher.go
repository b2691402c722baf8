package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/mikeyg42/capturer/internal/metrics"
	"github.com/mikeyg42/capturer/internal/monitorlog"
	"github.com/mikeyg42/capturer/internal/notification"
	"github.com/mikeyg42/capturer/internal/report"
	"github.com/mikeyg42/capturer/internal/storage"
	"github.com/mikeyg42/capturer/internal/tracker"
)

// StatsSource supplies a consistent copy of every region's statistics.
type StatsSource interface {
	Snapshot(ctx context.Context) ([]tracker.Stats, error)
}

// Archiver uploads an exported report and returns its object key.
type Archiver interface {
	ArchiveReport(ctx context.Context, reportID string, generatedAt time.Time, filePath string) (string, error)
}

// Options wires the Dispatcher. History and Archive are optional.
type Options struct {
	Policy     *Policy
	Stats      StatsSource
	Exporter   report.Exporter
	Notifier   notification.ReportNotifier
	Recipients []string

	History storage.HistoryStore
	Archive Archiver

	// CheckSpec is a standard 5-field cron spec or descriptor such as "@every 1m".
	CheckSpec string
	Logger    monitorlog.Logger
}

// Dispatcher checks the policy on a cron schedule and delivers due reports.
type Dispatcher struct {
	opts   Options
	logger monitorlog.Logger

	mu       sync.Mutex
	baseline []tracker.Stats
	last     *Result

	// every attempt for one period shares a report ID
	reportPeriod string
	reportID     string

	cron *cron.Cron
}

// Result describes one dispatch that was due.
type Result struct {
	Decision   Decision  `json:"decision"`
	ReportID   string    `json:"report_id"`
	FilePath   string    `json:"file_path,omitempty"`
	ArchiveKey string    `json:"archive_key,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// NewDispatcher validates opts.
func NewDispatcher(opts Options) (*Dispatcher, error) {
	if opts.Policy == nil || opts.Stats == nil || opts.Exporter == nil || opts.Notifier == nil {
		return nil, errors.New("dispatcher needs a policy, stats source, exporter and notifier")
	}
	if opts.CheckSpec == "" {
		opts.CheckSpec = "@every 1m"
	}
	if opts.Logger == nil {
		opts.Logger = monitorlog.L()
	}
	return &Dispatcher{opts: opts, logger: opts.Logger.Named("dispatch")}, nil
}

// Start schedules checks until ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) error {
	c := cron.New(cron.WithLogger(cronLogger{d.logger}))
	_, err := c.AddFunc(d.opts.CheckSpec, func() {
		if _, err := d.RunOnce(ctx, time.Now()); err != nil {
			d.logger.Warn("report dispatch failed", monitorlog.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("invalid check spec %q: %w", d.opts.CheckSpec, err)
	}
	d.cron = c
	c.Start()
	d.logger.Info("dispatcher started",
		monitorlog.String("check_spec", d.opts.CheckSpec),
		monitorlog.String("method", d.opts.Notifier.Method()))
	return nil
}

// Stop waits for a running check to finish.
func (d *Dispatcher) Stop() {
	if d.cron == nil {
		return
	}
	<-d.cron.Stop().Done()
}

// Last returns the most recent due dispatch, or nil.
func (d *Dispatcher) Last() *Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.last == nil {
		return nil
	}
	r := *d.last
	return &r
}

// RunOnce performs one policy check at now and, when due, builds, exports,
// sends and records the report. It returns the decision and the delivery error.
func (d *Dispatcher) RunOnce(ctx context.Context, now time.Time) (Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dec := d.opts.Policy.Check(now)
	if !dec.Due {
		return dec, nil
	}
	log := d.logger.With(
		monitorlog.String("period", dec.Period),
		monitorlog.Int("attempt", dec.Attempt))

	current, err := d.opts.Stats.Snapshot(ctx)
	if err != nil {
		// nothing was attempted; the next check tries again
		return dec, fmt.Errorf("failed to snapshot statistics: %w", err)
	}

	rep := report.Build(report.WindowStats(current, d.baseline), dec.WindowStart, dec.WindowEnd)
	if dec.Period == d.reportPeriod {
		rep.ID = d.reportID
	} else {
		d.reportPeriod, d.reportID = dec.Period, rep.ID
	}
	res := &Result{Decision: dec, ReportID: rep.ID, At: now}

	path, sendErr := d.opts.Exporter.Export(rep, dec.Format)
	if sendErr == nil {
		res.FilePath = path
		d.saveReport(ctx, rep, dec, path, log)
		sendErr = d.opts.Notifier.Send(ctx, notification.Delivery{
			Report:         rep,
			Recipients:     d.opts.Recipients,
			Format:         dec.Format,
			Period:         dec.Mode,
			AttachmentPath: path,
		})
	} else {
		sendErr = fmt.Errorf("failed to export report: %w", sendErr)
	}

	outcome := d.opts.Policy.Record(dec, sendErr)
	metrics.Dispatches.WithLabelValues(outcome.String()).Inc()
	res.Outcome = outcome.String()
	d.recordAttempt(ctx, rep.ID, dec, sendErr, now, log)

	switch outcome {
	case Delivered:
		d.baseline = current
		log.Info("report delivered",
			monitorlog.String("report_id", rep.ID),
			monitorlog.Uint64("activities", rep.Summary.TotalActivities))
		res.ArchiveKey = d.archive(ctx, rep, path, log)
	case RetryLater:
		res.Error = sendErr.Error()
		log.Warn("report delivery failed, will retry", monitorlog.Error(sendErr))
	case Dropped:
		res.Error = sendErr.Error()
		log.Error("report delivery failed, giving up for this period", monitorlog.Error(sendErr))
	}
	d.last = res
	return dec, sendErr
}

func (d *Dispatcher) saveReport(ctx context.Context, rep *report.Report, dec Decision, path string, log monitorlog.Logger) {
	if d.opts.History == nil {
		return
	}
	err := d.opts.History.SaveReport(ctx, &storage.ReportRecord{
		ID:                  rep.ID,
		Period:              dec.Mode,
		Format:              string(dec.Format),
		WindowStart:         rep.WindowStart,
		WindowEnd:           rep.WindowEnd,
		GeneratedAt:         rep.GeneratedAt,
		FilePath:            path,
		TotalRegions:        rep.Summary.TotalRegions,
		TotalComparisons:    rep.Summary.TotalComparisons,
		TotalActivities:     rep.Summary.TotalActivities,
		AverageActivityRate: rep.Summary.AverageActivityRate,
		BusiestRegion:       rep.Summary.BusiestRegion,
	})
	if err != nil {
		log.Warn("failed to save report history", monitorlog.Error(err))
	}
}

func (d *Dispatcher) recordAttempt(ctx context.Context, reportID string, dec Decision, sendErr error, now time.Time, log monitorlog.Logger) {
	if d.opts.History == nil {
		return
	}
	a := &storage.DispatchAttempt{
		ID:         uuid.NewString(),
		ReportID:   reportID,
		Period:     dec.Period,
		Attempt:    dec.Attempt,
		Method:     d.opts.Notifier.Method(),
		Recipients: d.opts.Recipients,
		Success:    sendErr == nil,
		At:         now,
	}
	if sendErr != nil {
		a.Error = sendErr.Error()
	}
	if err := d.opts.History.RecordAttempt(ctx, a); err != nil {
		log.Warn("failed to record dispatch attempt", monitorlog.Error(err))
	}
}

// archive uploads the delivered file. Failures are logged only.
func (d *Dispatcher) archive(ctx context.Context, rep *report.Report, path string, log monitorlog.Logger) string {
	if d.opts.Archive == nil {
		return ""
	}
	key, err := d.opts.Archive.ArchiveReport(ctx, rep.ID, rep.GeneratedAt, path)
	if err != nil {
		log.Warn("failed to archive report", monitorlog.Error(err))
		return ""
	}
	if d.opts.History != nil {
		if err := d.opts.History.SetArchiveKey(ctx, rep.ID, key); err != nil {
			log.Warn("failed to store archive key", monitorlog.Error(err))
		}
	}
	return key
}

// cronLogger routes cron's own messages through monitorlog.
type cronLogger struct{ l monitorlog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, kvFields(keysAndValues)...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(kvFields(keysAndValues), monitorlog.Error(err))...)
}

func kvFields(kv []interface{}) []monitorlog.Field {
	fields := make([]monitorlog.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields = append(fields, monitorlog.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return fields
}
