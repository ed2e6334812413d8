// Package tracker turns raw print host callbacks into the notification
// event stream: it owns the per-print session (id, file, timing), computes
// progress, debounces pauses and throttles repeating events before handing
// anything to the dispatcher.
package tracker

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"path"
	"strings"
	"sync"
	"time"

	"octoagent/internal/printer"
	"octoagent/internal/push"
	"octoagent/pkg/clock"
	"octoagent/pkg/logx"
)

const (
	// printIDLength must stay in sync with the fanout service; the id
	// identifies the print globally so it needs high entropy.
	printIDLength = 60

	customNotificationLimit = 10

	// pauseDelay drops pauses that resolve immediately, like the one a
	// timelapse photo causes.
	pauseDelay = 3 * time.Second
	// pauseSuppressWindow honors a smart-pause suppression request for this
	// long after it was made.
	pauseSuppressWindow = 20 * time.Second
	// resumeIgnoreWindow swallows the resume some hosts emit right after
	// the start event.
	resumeIgnoreWindow = 5 * time.Second

	interactionSpamInterval = 5 * time.Minute
	beepSpamInterval        = 5 * time.Minute
	errorSpamInterval       = 30 * time.Minute

	timeProgressInterval = time.Hour
)

// Host print states accepted by OnRestorePrintIfNeeded, matching what
// Moonraker's print_stats reports.
const (
	HostStatePrinting = "printing"
	HostStatePaused   = "paused"
)

// Notifier receives the events the tracker decides to send.
type Notifier interface {
	Send(event push.Event, state push.State)
}

// SmartPause is implemented by hosts that can announce an intentional pause
// before it happens, so no notification fires for it.
type SmartPause interface {
	// ConsumePauseSuppression returns the time of the last suppression
	// request and clears it. The zero time means there was none.
	ConsumePauseSuppression() time.Time
}

type Options struct {
	// PauseIsInteraction treats every pause as "interaction needed" and
	// delays it briefly. Used for hosts without filament runout events.
	PauseIsInteraction bool
	Clock              clock.Clock
	SmartPause         SmartPause
	Webcam             printer.Webcam
}

// Tracker tracks one printer. All methods are safe for concurrent use.
type Tracker struct {
	log    logx.Logger
	clk    clock.Clock
	notify Notifier
	host   printer.StateProvider
	webcam printer.Webcam
	smart  SmartPause

	pauseIsInteraction bool

	mu               sync.Mutex
	printID          string
	fileName         string
	fileSizeKb       int64
	filamentMm       int64
	printStart       time.Time // backdated on restore, drives duration
	sessionStart     time.Time // never backdated, drives the resume window
	fallbackProgress int
	reportedProgress float64
	hasReported      bool
	hoursReported    int
	restorePending   bool
	customCount      int
	watermark        progressWatermark
	pauseGen         int
	pauseTimer       clock.Timer
	tickerStop       chan struct{}
	finalSnap        *printer.FinalSnap

	spamMu sync.Mutex
	spam   map[string]*spamContext
}

func New(notify Notifier, host printer.StateProvider, opts Options, log logx.Logger) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	t := &Tracker{
		log:                log,
		clk:                opts.Clock,
		notify:             notify,
		host:               host,
		webcam:             opts.Webcam,
		smart:              opts.SmartPause,
		pauseIsInteraction: opts.PauseIsInteraction,
		spam:               make(map[string]*spamContext),
	}
	t.mu.Lock()
	t.resetForNewPrintLocked(-1)
	t.mu.Unlock()
	return t
}

// PrintID returns the id of the current print session.
func (t *Tracker) PrintID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.printID
}

// IsTracking reports whether the periodic print timers are running.
func (t *Tracker) IsTracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tickerStop != nil
}

// OnStarted begins a new print session. Sizes may be 0 when unknown.
func (t *Tracker) OnStarted(fileName string, fileSizeKb, filamentMm int64) {
	if t.shouldIgnoreEvent(fileName) {
		return
	}
	t.mu.Lock()
	t.resetForNewPrintLocked(-1)
	t.updateFileNameLocked(fileName)
	t.fileSizeKb = fileSizeKb
	t.filamentMm = filamentMm
	t.customCount = 0
	t.startTimersLocked(true, -1)
	state := t.buildStateLocked(0, false)
	printID := t.printID
	t.mu.Unlock()

	t.notify.Send(push.EventStarted, state)
	t.log.Info("new print started",
		logx.String("print_id", printID),
		logx.String("file", fileName),
		logx.Int64("size_kb", fileSizeKb),
		logx.Int64("filament_mm", filamentMm))
}

// OnDone ends the session successfully. durationSec is the host-reported
// duration, or -1 when unknown.
func (t *Tracker) OnDone(fileName string, durationSec int64) {
	if t.shouldIgnoreEvent(fileName) {
		return
	}
	t.mu.Lock()
	t.updateFileNameLocked(fileName)
	t.updateKnownDurationLocked(durationSec)
	t.stopTimersLocked()
	t.cancelDelayedPauseLocked()
	snap := t.stopFinalSnapLocked()
	state := t.buildStateLocked(0, false)
	t.mu.Unlock()

	if snap != nil {
		t.log.Debug("captured completion frame", logx.Int("bytes", len(snap)))
	}
	t.notify.Send(push.EventDone, state)
}

// OnFailed ends the session with a cancellation. durationSec may be -1.
func (t *Tracker) OnFailed(fileName string, durationSec int64, reason string) {
	if t.shouldIgnoreEvent(fileName) {
		return
	}
	t.mu.Lock()
	t.updateFileNameLocked(fileName)
	t.updateKnownDurationLocked(durationSec)
	t.stopTimersLocked()
	t.cancelDelayedPauseLocked()
	t.stopFinalSnapLocked()
	state := t.buildStateLocked(0, false)
	t.mu.Unlock()

	state.Reason = reason
	t.notify.Send(push.EventCancelled, state)
}

// OnPaused handles a host pause. Depending on configuration the pause is
// delayed so short mechanical pauses never notify, and a smart-pause
// suppression request drops it entirely.
func (t *Tracker) OnPaused(fileName string) {
	if t.shouldIgnoreEvent(fileName) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.updateFileNameLocked(fileName)

	delay := time.Duration(0)
	event := push.EventPaused
	if t.pauseIsInteraction {
		delay = pauseDelay
		event = push.EventUserInteractionNeeded
	}

	suppressed := false
	if t.smart != nil {
		last := t.smart.ConsumePauseSuppression()
		if !last.IsZero() && t.clk.Now().Sub(last) <= pauseSuppressWindow {
			suppressed = true
			t.log.Info("pause notification suppressed by smart pause")
		}
	}
	if !suppressed {
		t.schedulePauseLocked(delay, event)
	}

	// No progress reports while paused; resume restarts the timers.
	t.stopTimersLocked()
}

// OnWaiting fires when the printer reports it is waiting on something. It
// behaves exactly like a pause.
func (t *Tracker) OnWaiting() {
	t.mu.Lock()
	fileName := t.fileName
	t.mu.Unlock()
	t.OnPaused(fileName)
}

// OnResume handles a host resume.
func (t *Tracker) OnResume(fileName string) {
	if t.shouldIgnoreEvent(fileName) {
		return
	}
	t.mu.Lock()
	// Some hosts emit a resume right after start; it is not a real resume.
	if t.clk.Now().Sub(t.sessionStart) < resumeIgnoreWindow {
		t.mu.Unlock()
		return
	}
	t.cancelDelayedPauseLocked()
	t.updateFileNameLocked(fileName)
	t.startTimersLocked(false, -1)
	state := t.buildStateLocked(0, false)
	t.mu.Unlock()

	// Assume the user cleared whatever triggered the repeated events.
	t.clearSpammyEventContexts()

	t.notify.Send(push.EventResume, state)
}

// OnError reports a host or firmware error. Repeats of the same error text
// are throttled.
func (t *Tracker) OnError(errText string) {
	if t.shouldIgnoreEvent("") {
		return
	}
	t.mu.Lock()
	t.stopTimersLocked()
	t.cancelDelayedPauseLocked()
	state := t.buildStateLocked(0, false)
	t.mu.Unlock()

	if !t.shouldSendSpammyEvent("on-error:"+errText, errorSpamInterval) {
		return
	}
	state.Error = errText
	t.notify.Send(push.EventError, state)
}

// OnFilamentChange fires on an M600. It shares its throttle key with
// OnUserInteractionNeeded since the two often fire together.
func (t *Tracker) OnFilamentChange() {
	if t.shouldIgnoreEvent("") {
		return
	}
	if !t.shouldSendSpammyEvent("user-interaction-needed", interactionSpamInterval) {
		return
	}
	t.mu.Lock()
	state := t.buildStateLocked(0, false)
	t.mu.Unlock()
	t.notify.Send(push.EventFilamentRequired, state)
}

// OnUserInteractionNeeded fires when the printer blocks on the user.
func (t *Tracker) OnUserInteractionNeeded() {
	if t.shouldIgnoreEvent("") {
		return
	}
	if !t.shouldSendSpammyEvent("user-interaction-needed", interactionSpamInterval) {
		return
	}
	t.mu.Lock()
	state := t.buildStateLocked(0, false)
	t.mu.Unlock()
	t.notify.Send(push.EventUserInteractionNeeded, state)
}

// OnFirstLayerDone fires when the first layer completes.
func (t *Tracker) OnFirstLayerDone() {
	t.mu.Lock()
	state := t.buildStateLocked(0, false)
	t.mu.Unlock()
	t.notify.Send(push.EventFirstLayerDone, state)
}

// OnThirdLayerDone fires when the third layer completes.
func (t *Tracker) OnThirdLayerDone() {
	t.mu.Lock()
	state := t.buildStateLocked(0, false)
	t.mu.Unlock()
	t.notify.Send(push.EventThirdLayerDone, state)
}

// OnBeep fires on an M300.
func (t *Tracker) OnBeep() {
	if t.shouldIgnoreEvent("") {
		return
	}
	if !t.shouldSendSpammyEvent("beep", beepSpamInterval) {
		return
	}
	t.mu.Lock()
	state := t.buildStateLocked(0, false)
	t.mu.Unlock()
	t.notify.Send(push.EventBeep, state)
}

// OnCustomNotification sends a user-authored message triggered from gcode.
// A per-print cap keeps a misbehaving file from flooding the user; the last
// allowed slot is spent telling them the cap was hit. Trusted callers pass
// unlimited to bypass the cap without consuming it.
func (t *Tracker) OnCustomNotification(message string, unlimited bool) {
	t.mu.Lock()
	switch {
	case unlimited:
	case t.customCount < customNotificationLimit:
		t.customCount++
	case t.customCount == customNotificationLimit:
		t.customCount++
		message = fmt.Sprintf("You reached the limit of %d Gcode notifications for this print", customNotificationLimit)
	default:
		t.mu.Unlock()
		return
	}
	state := t.buildStateLocked(0, false)
	t.mu.Unlock()

	state.Message = message
	t.notify.Send(push.EventCustom, state)
}

// OnPrintProgress takes a host-reported whole percent. Used by hosts that
// only expose an int.
func (t *Tracker) OnPrintProgress(percent int) {
	if t.shouldIgnoreEvent("") {
		return
	}
	t.mu.Lock()
	t.fallbackProgress = percent
	t.handleProgressLocked()
}

// OnReportedProgress takes a precise progress fraction in percent. Hosts
// that report it make it authoritative over the ETA computation. This is
// called very frequently, so it has to stay cheap.
func (t *Tracker) OnReportedProgress(progress float64) {
	if t.shouldIgnoreEvent("") {
		return
	}
	t.mu.Lock()
	t.fallbackProgress = int(progress)
	t.reportedProgress = progress
	t.hasReported = true
	t.handleProgressLocked()
}

// handleProgressLocked runs the watermark over the computed progress and
// sends at most one collapsed update. Unlocks t.mu.
func (t *Tracker) handleProgressLocked() {
	computed := t.currentProgressLocked()
	t.maybeStartFinalSnapLocked(computed)
	toSend := t.watermark.collapse(computed)

	// The first update after a restore only clears the points already
	// passed, so a restart mid-print doesn't replay every percent.
	if t.restorePending {
		t.restorePending = false
		t.mu.Unlock()
		return
	}
	if toSend < 0.1 {
		t.mu.Unlock()
		return
	}

	// Send the collapsed value, not the computed one; the service filters
	// increments on it.
	state := t.buildStateLocked(toSend, true)
	t.mu.Unlock()
	t.notify.Send(push.EventProgress, state)
}

// OnPrintTimerProgress fires from the hourly timer while printing.
func (t *Tracker) OnPrintTimerProgress() {
	if t.shouldIgnoreEvent("") {
		return
	}
	t.mu.Lock()
	t.hoursReported++
	state := t.buildStateLocked(0, false)
	state.HoursCount = t.hoursReported
	t.mu.Unlock()

	t.notify.Send(push.EventTimeProgress, state)
}

// OnRestorePrintIfNeeded reconciles our state with the host's after either
// side restarted. hostState is the host's print state; totalDurationSec is
// how long the print has been running, or -1 when unknown.
func (t *Tracker) OnRestorePrintIfNeeded(hostState, fileName string, totalDurationSec int64) {
	switch hostState {
	case HostStatePrinting:
		if t.IsTracking() {
			t.log.Debug("host sync: active print already tracked")
			return
		}
		t.log.Info("host sync: active print not tracked, restoring")
	case HostStatePaused:
		if t.hasCurrentFileName() {
			t.log.Debug("host sync: paused print already tracked")
			return
		}
		t.log.Info("host sync: paused print not tracked, restoring")
	default:
		if t.IsTracking() {
			t.log.Info("host sync: no active print, stopping timers")
			t.StopTimers()
		}
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.resetForNewPrintLocked(totalDurationSec)
	t.updateFileNameLocked(fileName)

	// The first progress tick consumes this flag instead of notifying, so
	// the restore doesn't replay every missed percent.
	t.restorePending = true

	if hostState == HostStatePrinting {
		hours := -1
		if totalDurationSec >= 0 {
			hours = int(totalDurationSec / 3600)
		}
		t.startTimersLocked(false, hours)
	} else {
		t.stopTimersLocked()
	}
}

// StopTimers stops the periodic print timers.
func (t *Tracker) StopTimers() {
	t.mu.Lock()
	t.stopTimersLocked()
	t.mu.Unlock()
}

// Close stops all background work.
func (t *Tracker) Close() {
	t.mu.Lock()
	t.stopTimersLocked()
	t.cancelDelayedPauseLocked()
	t.stopFinalSnapLocked()
	t.mu.Unlock()
}

func (t *Tracker) resetForNewPrintLocked(restoreDurationSec int64) {
	now := t.clk.Now()
	t.fileName = ""
	t.fileSizeKb = 0
	t.filamentMm = 0
	t.printStart = now
	t.sessionStart = now
	t.fallbackProgress = 0
	t.hasReported = false
	t.reportedProgress = 0
	t.hoursReported = 0
	t.restorePending = false
	t.stopFinalSnapLocked()

	if restoreDurationSec >= 0 {
		t.printStart = now.Add(-time.Duration(restoreDurationSec) * time.Second)
	}

	t.printID = newPrintID()
	t.watermark.reset()
	t.clearSpammyEventContexts()
}

func (t *Tracker) updateFileNameLocked(fileName string) {
	if fileName != "" {
		t.fileName = fileName
	}
}

func (t *Tracker) updateKnownDurationLocked(durationSec int64) {
	if durationSec < 0 {
		return
	}
	t.printStart = t.clk.Now().Add(-time.Duration(durationSec) * time.Second)
}

func (t *Tracker) hasCurrentFileName() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fileName != ""
}

// currentProgressLocked computes the progress percent. A host-reported
// fraction wins; otherwise the percent is derived from elapsed time and the
// ETA so it matches what the host UI shows, falling back to the plain
// reported int when there is no estimate.
func (t *Tracker) currentProgressLocked() float64 {
	if t.hasReported {
		return t.reportedProgress
	}
	eta := t.host.PrintTimeRemainingSec()
	if eta < 0 {
		return float64(t.fallbackProgress)
	}
	elapsed := t.clk.Now().Sub(t.printStart).Seconds()
	total := elapsed + float64(eta)
	if total <= 0 {
		return float64(t.fallbackProgress)
	}
	progress := elapsed / total * 100.0
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	return progress
}

func (t *Tracker) buildStateLocked(progressOverride float64, hasOverride bool) push.State {
	progress := progressOverride
	if !hasOverride {
		progress = t.currentProgressLocked()
	}
	current, total := t.host.CurrentLayerInfo()
	baseName := ""
	if t.fileName != "" {
		baseName = path.Base(t.fileName)
	}
	return push.State{
		PrintID:          t.printID,
		FileName:         baseName,
		FilePath:         t.fileName,
		FileSizeKb:       t.fileSizeKb,
		FilamentMm:       t.filamentMm,
		ProgressPercent:  int(progress),
		TimeRemainingSec: int(t.host.PrintTimeRemainingSec()),
		DurationSec:      int(t.clk.Now().Sub(t.printStart).Seconds()),
		CurrentLayer:     int(current),
		TotalLayers:      int(total),
	}
}

// schedulePauseLocked sends the pause event, after a delay when configured.
// A pause already in flight wins.
func (t *Tracker) schedulePauseLocked(delay time.Duration, event push.Event) {
	if t.pauseTimer != nil {
		t.log.Debug("pause already scheduled, skipping")
		return
	}
	if delay <= 0 {
		state := t.buildStateLocked(0, false)
		t.notify.Send(event, state)
		return
	}

	t.log.Debug("delaying pause notification", logx.Duration("delay", delay))
	t.pauseGen++
	gen := t.pauseGen
	t.pauseTimer = t.clk.AfterFunc(delay, func() {
		t.mu.Lock()
		if gen != t.pauseGen {
			t.mu.Unlock()
			return
		}
		t.pauseTimer = nil
		state := t.buildStateLocked(0, false)
		t.mu.Unlock()
		t.notify.Send(event, state)
	})
}

func (t *Tracker) cancelDelayedPauseLocked() {
	if t.pauseTimer == nil {
		return
	}
	t.log.Debug("cancelling delayed pause")
	t.pauseGen++
	t.pauseTimer.Stop()
	t.pauseTimer = nil
}

// startTimersLocked (re)starts the hourly timer. restoreHours seeds the
// hours counter on restore; pass -1 to keep the current value.
func (t *Tracker) startTimersLocked(resetHours bool, restoreHours int) {
	t.stopTimersLocked()
	if resetHours {
		t.hoursReported = 0
	}
	if restoreHours >= 0 {
		t.hoursReported = restoreHours
	}
	stop := make(chan struct{})
	t.tickerStop = stop
	go t.timeProgressLoop(stop)
}

func (t *Tracker) stopTimersLocked() {
	if t.tickerStop != nil {
		close(t.tickerStop)
		t.tickerStop = nil
	}
}

func (t *Tracker) timeProgressLoop(stop chan struct{}) {
	ticker := t.clk.NewTicker(timeProgressInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			// Paused counts as stopped too; resume restarts the timers.
			if !t.host.TimersShouldRun() {
				t.log.Debug("host no longer printing, stopping print timers")
				t.StopTimers()
				return
			}
			t.OnPrintTimerProgress()
		}
	}
}

// maybeStartFinalSnapLocked starts the completion-frame capture once the
// print looks like it will finish within a minute.
func (t *Tracker) maybeStartFinalSnapLocked(progress float64) {
	if t.webcam == nil || t.finalSnap != nil || progress <= 90 {
		return
	}
	elapsed := t.clk.Now().Sub(t.printStart).Seconds()
	estTotal := elapsed * 100.0 / progress
	if estTotal-elapsed < 60 {
		t.finalSnap = printer.StartFinalSnap(t.webcam, t.clk, t.log)
	}
}

func (t *Tracker) stopFinalSnapLocked() []byte {
	fs := t.finalSnap
	t.finalSnap = nil
	if fs == nil {
		return nil
	}
	return fs.StopAndGet()
}

// shouldIgnoreEvent drops events for queueing plugins' placeholder files,
// which run between real prints to hold the printer.
func (t *Tracker) shouldIgnoreEvent(fileName string) bool {
	if fileName == "" {
		t.mu.Lock()
		fileName = t.fileName
		t.mu.Unlock()
		if fileName == "" {
			return false
		}
	}
	if strings.HasPrefix(strings.ToLower(fileName), "continuousprint_") {
		t.log.Debug("ignoring event for queue placeholder file", logx.String("file", fileName))
		return true
	}
	return false
}

const printIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

func newPrintID() string {
	b := make([]byte, printIDLength)
	max := big.NewInt(int64(len(printIDAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the platform is broken.
			panic(err)
		}
		b[i] = printIDAlphabet[n.Int64()]
	}
	return string(b)
}
