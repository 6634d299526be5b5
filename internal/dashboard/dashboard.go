package dashboard

import (
	"context"
	"encoding/binary"
	"io"
	"log"
	"math"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/smart-trainer/spin-controller/internal/events"
	"github.com/lowaak/smart-trainer/spin-controller/internal/ftms"
	"github.com/lowaak/smart-trainer/spin-controller/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/spin-controller/internal/shifter"
)

const DefaultRefreshPeriod = 250 * time.Millisecond

// ControlPoint applies control point writes the same way a training app does
type ControlPoint interface {
	Apply(data []byte) []byte
}

// Dashboard is the terminal console: live metrics on the left, logs on the
// right. Arrow keys shift, mode keys switch the control mode.
type Dashboard struct {
	app     *tview.Application
	sources Sources
	keys    *shifter.Keys
	control ControlPoint
	custom  ControlPoint
	logger  *log.Logger

	root          *tview.Flex
	metricsPanel  *tview.TextView
	controlsPanel *tview.TextView
	logView       *tview.TextView

	quit func()
}

func New(sources Sources, keys *shifter.Keys, control, custom ControlPoint, logger *log.Logger) *Dashboard {
	if sources.Runtime == nil {
		panic("Dashboard: runtime cannot be nil")
	}
	if keys == nil {
		panic("Dashboard: keys cannot be nil")
	}
	if control == nil {
		panic("Dashboard: control point cannot be nil")
	}
	if custom == nil {
		panic("Dashboard: custom characteristic cannot be nil")
	}
	if logger == nil {
		panic("Dashboard: logger cannot be nil")
	}

	d := &Dashboard{
		app:     tview.NewApplication(),
		sources: sources,
		keys:    keys,
		control: control,
		custom:  custom,
		logger:  logger,
	}
	d.quit = d.app.Stop
	d.initLayout()
	return d
}

func (d *Dashboard) initLayout() {
	instructions := tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignCenter)
	instructions.SetText("[yellow]Up/Down[white] Shift  |  [yellow]E[white] ERG  |  [yellow]R[white] Resistance  |  [yellow]I[white] Incline  |  [yellow]S[white] Sync  |  [yellow]X[white] External  |  [yellow]P[white] Sim power  |  [yellow]Esc[white] Quit")

	d.metricsPanel = tview.NewTextView().SetDynamicColors(true)
	d.metricsPanel.SetBorder(true).SetTitle(" Metrics ")

	d.controlsPanel = tview.NewTextView().SetDynamicColors(true)
	d.controlsPanel.SetBorder(true).SetTitle(" Controller ")

	// Don't redraw from SetChangedFunc, a log line written after Stop would hang.
	// No color tags either: log lines carry brackets.
	d.logView = tview.NewTextView().
		SetScrollable(false)
	d.logView.SetBorder(true).SetTitle(" Logs ")

	leftColumn := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(instructions, 1, 0, false).
		AddItem(d.metricsPanel, 0, 2, true).
		AddItem(d.controlsPanel, 0, 1, false)

	d.root = tview.NewFlex().
		AddItem(leftColumn, 0, 1, true).
		AddItem(d.logView, 0, 1, false)

	d.refresh()
}

// LogWriter is where log output should go while the dashboard is up
func (d *Dashboard) LogWriter() io.Writer {
	return d.logView
}

func (d *Dashboard) refresh() {
	status := d.sources.Collect()
	d.metricsPanel.SetText(RenderMetrics(status))
	d.controlsPanel.SetText(RenderController(status))
}

// HandleKey is the application input capture. Keys it consumes return nil.
func (d *Dashboard) HandleKey(event *tcell.EventKey) *tcell.EventKey {
	if event.Key() == tcell.KeyEscape {
		d.logger.Println("Dashboard: quit requested")
		d.quit()
		return nil
	}
	if handled, accepted := d.keys.Press(event.Name()); handled {
		if !accepted {
			d.logger.Printf("Dashboard: %s ignored (debounced)", event.Name())
		}
		return nil
	}
	if event.Key() != tcell.KeyRune {
		return event
	}

	rt := d.sources.Runtime
	switch event.Rune() {
	case 's', 'S':
		d.toggle(ftms.ItemSyncMode, rt.SyncMode())
		return nil
	case 'x', 'X':
		d.toggle(ftms.ItemExternalControl, rt.ExternalControl())
		return nil
	case 'p', 'P':
		d.toggle(ftms.ItemSimulateWatts, rt.Power.Simulate())
		return nil
	}

	var cmd []byte
	switch event.Rune() {
	case 'e', 'E':
		watts := rt.Power.Target()
		if watts <= 0 {
			watts = rt.Power.Value()
		}
		cmd = make([]byte, 3)
		cmd[0] = ftms.OpCodeSetTargetPower
		binary.LittleEndian.PutUint16(cmd[1:], uint16(math.Max(0, math.Min(math.MaxUint16, math.Round(watts)))))
	case 'r', 'R':
		level := math.Max(0, math.Min(math.MaxUint8, math.Round(rt.Resistance.Value())))
		cmd = []byte{ftms.OpCodeSetTargetResistance, byte(level)}
	case 'i', 'I':
		cmd = []byte{ftms.OpCodeSetTargetInclination, 0x00, 0x00}
	default:
		return event
	}

	resp := d.control.Apply(cmd)
	if len(resp) == 3 && resp[2] != ftms.ResultSuccess {
		d.logger.Printf("Dashboard: %s rejected (result 0x%02X)", ftms.OpCodeName(cmd[0]), resp[2])
	}
	d.refresh()
	return nil
}

// toggle flips a boolean item through the custom characteristic
func (d *Dashboard) toggle(item byte, current bool) {
	value := byte(1)
	if current {
		value = 0
	}
	resp := d.custom.Apply([]byte{ftms.CustomWrite, item, value})
	if len(resp) == 0 || resp[0] != ftms.CustomSuccess {
		d.logger.Printf("Dashboard: item 0x%02X write rejected", item)
	}
	d.refresh()
}

// Run shows the dashboard until Escape is pressed or ctx is done
func (d *Dashboard) Run(ctx context.Context, period time.Duration) error {
	if period <= 0 {
		period = DefaultRefreshPeriod
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// a nil channel never fires when there is no field source
	var changed chan events.FieldID
	if d.sources.Fields != nil {
		changed = make(chan events.FieldID, 8)
		unlisten := d.sources.Fields.Listen(changed)
		defer unlisten()
	}

	go_func_utils.SafeGo(d.logger, func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				d.app.Stop()
				return
			case <-ticker.C:
				d.app.QueueUpdateDraw(d.refresh)
			case <-changed:
				d.app.QueueUpdateDraw(d.refresh)
			}
		}
	})

	d.app.SetInputCapture(d.HandleKey)
	return d.app.SetRoot(d.root, true).SetFocus(d.metricsPanel).Run()
}
