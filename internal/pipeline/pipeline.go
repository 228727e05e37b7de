// Package pipeline drives one conversion run end to end: fetch every
// subscription source, decode and parse each payload, filter the records and
// hand them to a backend converter. Per-line and per-source problems land in
// the report; Run fails only when nothing usable remains.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/dlclark/regexp2"
	"golang.org/x/sync/errgroup"

	"github.com/medusa-proxy/medusa/internal/backend"
	"github.com/medusa-proxy/medusa/internal/decode"
	"github.com/medusa-proxy/medusa/internal/fetch"
	"github.com/medusa-proxy/medusa/internal/model"
	"github.com/medusa-proxy/medusa/internal/sub"
)

// State names the stage a pipeline is in. Transitions are linear:
// Idle → Fetching → Decoding → Parsing → Converting → Done, or any stage →
// Failed.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateDecoding
	StateParsing
	StateConverting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateDecoding:
		return "decoding"
	case StateParsing:
		return "parsing"
	case StateConverting:
		return "converting"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const CodeNoUsableSource = "PIPELINE_NO_SOURCES"

type PipelineError struct {
	AppError model.AppError
	Cause    error
}

func (e *PipelineError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// Options configures one pipeline. Zero-value fields fall back to defaults
// inside New; Sources and Backend are required.
type Options struct {
	Sources []fetch.Source
	Backend string

	// Workers caps concurrent fetches. Defaults to 4.
	Workers int

	// Include keeps only records whose name matches; Exclude then drops
	// matching records. Either may be nil.
	Include *regexp2.Regexp
	Exclude *regexp2.Regexp

	Handlers   *sub.Registry
	Backends   *backend.Registry
	Strategies []decode.Strategy

	Logger *slog.Logger
}

// Result is the output of a successful run: the rendered configuration plus
// the full per-line report, including recoverable failures.
type Result struct {
	Config model.RenderedConfig
	Report model.ConversionReport
}

type Pipeline struct {
	opts  Options
	state atomic.Int32
}

func New(opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Handlers == nil {
		opts.Handlers = sub.DefaultRegistry()
	}
	if opts.Backends == nil {
		opts.Backends = backend.DefaultRegistry()
	}
	if opts.Strategies == nil {
		opts.Strategies = decode.DefaultStrategies()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{opts: opts}
}

// State reports the current stage. Safe to call from another goroutine while
// Run is in flight.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	p.state.Store(int32(s))
	p.opts.Logger.Debug("pipeline state", "state", s.String())
}

// Run executes the full conversion. The returned Result is valid only when
// err is nil; the report inside it still lists every recoverable failure.
func (p *Pipeline) Run(ctx context.Context) (Result, error) {
	log := p.opts.Logger

	// Resolve the backend before touching the network: a misspelled backend
	// name must not cost a single request.
	converter, err := p.opts.Backends.Lookup(p.opts.Backend)
	if err != nil {
		p.setState(StateFailed)
		return Result{}, err
	}

	p.setState(StateFetching)
	payloads := make([]fetch.Payload, len(p.opts.Sources))
	fetchErrs := make([]error, len(p.opts.Sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, src := range p.opts.Sources {
		g.Go(func() error {
			payload, err := fetch.Fetch(gctx, src)
			if err != nil {
				// A dead source is a report entry, not a run failure; never
				// cancel the sibling fetches over it.
				fetchErrs[i] = err
				log.Warn("fetch failed", "url", src.URL, "err", err)
				return nil
			}
			payloads[i] = payload
			log.Debug("fetch ok", "url", src.URL, "bytes", len(payload.Body))
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors

	if err := ctx.Err(); err != nil {
		p.setState(StateFailed)
		return Result{}, &PipelineError{
			AppError: model.AppError{
				Code:    "FETCH_CANCELED",
				Message: "转换已取消",
				Stage:   "fetch",
			},
			Cause: err,
		}
	}

	// Decode and parse sequentially in source order so the report and the
	// record sequence are deterministic regardless of fetch completion order.
	var report model.ConversionReport
	var records []model.Record
	usable := 0

	for i, src := range p.opts.Sources {
		if fetchErrs[i] != nil {
			report.AddFailure(src.URL, 0, "", fetchErrs[i])
			continue
		}

		p.setState(StateDecoding)
		text, err := decode.DecodeWith(p.opts.Strategies, payloads[i])
		if err != nil {
			report.AddFailure(src.URL, 0, "", err)
			log.Warn("decode failed", "url", src.URL, "err", err)
			continue
		}
		usable++

		p.setState(StateParsing)
		parsed := sub.Parse(text, p.opts.Handlers, &report)
		records = append(records, parsed...)
		log.Debug("source parsed", "url", src.URL, "lines", len(text.Lines), "records", len(parsed))
	}

	if usable == 0 {
		p.setState(StateFailed)
		return Result{}, &PipelineError{
			AppError: model.AppError{
				Code:    CodeNoUsableSource,
				Message: "所有订阅源均不可用",
				Stage:   "fetch",
				Hint:    "检查订阅链接与网络连接，或使用 -v 查看每个源的失败原因",
			},
		}
	}

	p.setState(StateConverting)
	records = p.filter(records, &report)

	cfg, err := converter.Convert(records, &report)
	if err != nil {
		p.setState(StateFailed)
		return Result{}, err
	}

	p.setState(StateDone)
	log.Info("conversion finished", "backend", cfg.Backend, "report", report.Summary())
	return Result{Config: cfg, Report: report}, nil
}

// filter applies the include then exclude name filters. A record with an
// empty name is kept by an absent include filter and dropped by one that
// cannot match it.
func (p *Pipeline) filter(records []model.Record, report *model.ConversionReport) []model.Record {
	if p.opts.Include == nil && p.opts.Exclude == nil {
		return records
	}
	kept := records[:0]
	for _, rec := range records {
		if !p.keep(rec.Name) {
			report.Filtered++
			continue
		}
		kept = append(kept, rec)
	}
	return kept
}

func (p *Pipeline) keep(name string) bool {
	if p.opts.Include != nil && !matches(p.opts.Include, name) {
		return false
	}
	if p.opts.Exclude != nil && matches(p.opts.Exclude, name) {
		return false
	}
	return true
}

// matches treats a regexp2 evaluation error (only possible with a match
// timeout configured) as no match.
func matches(re *regexp2.Regexp, s string) bool {
	ok, err := re.MatchString(s)
	return err == nil && ok
}
