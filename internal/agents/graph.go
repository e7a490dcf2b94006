package agents

// graph.go runs the full decision pipeline over one CycleState:
//
//	Stage A  four analysts, parallel
//	Stage B  bull + bear researchers, parallel
//	Stage C  portfolio manager
//	Stage D  risk panel (aggressive, conservative, neutral), parallel
//	Stage E  execution agent
//	Stage F  learning agent, fire-and-forget
//
// Every agent runs under its own timeout; a timeout or failure never
// aborts the cycle — the agent's slot in agent_decisions records
// {timed_out: true} or {error: reason} and later stages work with what
// completed. The whole graph runs under a hard deadline.

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agenttrader/internal/config"
	"agenttrader/internal/persist"
	"agenttrader/pkg/types"
)

// Graph wires the agent pipeline.
type Graph struct {
	analysts     []*Analyst
	riskCfg      config.RiskConfig
	agentTimeout time.Duration
	graphTimeout time.Duration
	docs         persist.DocStore
	logger       *slog.Logger
}

// Result is one graph run: the persisted cycle record plus the final
// execution parameters.
type Result struct {
	Cycle     types.CycleResult
	Execution ExecutionOutput
}

// NewGraph builds the pipeline. caller may be nil (offline analysts).
func NewGraph(caller LLMCaller, llmCfg config.LLMConfig, riskCfg config.RiskConfig,
	docs persist.DocStore, logger *slog.Logger) *Graph {
	logger = logger.With("component", "agent_graph")
	return &Graph{
		analysts: []*Analyst{
			NewTechnical(caller, logger),
			NewFundamental(caller, logger),
			NewSentiment(caller, logger),
			NewMacro(caller, logger),
		},
		riskCfg:      riskCfg,
		agentTimeout: llmCfg.AgentTimeout,
		graphTimeout: llmCfg.GraphTimeout,
		docs:         docs,
		logger:       logger,
	}
}

// runAgent executes one agent under the per-agent timeout, folding
// timeouts, errors and panics into the envelope.
func runAgent[T any](ctx context.Context, timeout time.Duration, name string,
	fn func(context.Context) (T, error)) AgentOutput {
	agentCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		payload T
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		payload, err := fn(agentCtx)
		ch <- result{payload: payload, err: err}
	}()

	select {
	case <-agentCtx.Done():
		if errors.Is(agentCtx.Err(), context.DeadlineExceeded) {
			return AgentOutput{AgentName: name, Status: StatusTimedOut}
		}
		return AgentOutput{AgentName: name, Status: StatusError, Err: agentCtx.Err().Error()}
	case res := <-ch:
		if res.err != nil {
			return AgentOutput{AgentName: name, Status: StatusError, Err: res.err.Error()}
		}
		return AgentOutput{AgentName: name, Status: StatusOK, Payload: res.payload}
	}
}

// Run executes the pipeline. Tactical cycles run the reduced subset
// (technical analyst, PM, execution); strategic cycles run everything.
func (g *Graph) Run(ctx context.Context, s *CycleState, policy ExecutionPolicy) Result {
	ctx, cancel := context.WithTimeout(ctx, g.graphTimeout)
	defer cancel()

	tactical := s.Kind == types.CycleTactical
	decisions := make(map[string]any)
	var incomplete, cycleErrors []string
	record := func(out AgentOutput) {
		decisions[out.AgentName] = out.Decision()
		switch out.Status {
		case StatusTimedOut:
			incomplete = append(incomplete, out.AgentName)
		case StatusError:
			cycleErrors = append(cycleErrors, fmt.Sprintf("%s: %s", out.AgentName, out.Err))
		}
	}

	// Stage A — parallel analysts. Tactical cycles run only Technical.
	analysts := g.analysts
	if tactical {
		analysts = g.analysts[:1]
	}
	stageA := make(map[string]AgentOutput, len(analysts))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, a := range analysts {
		wg.Add(1)
		go func(a *Analyst) {
			defer wg.Done()
			out := runAgent(ctx, g.agentTimeout, a.Name(), func(c context.Context) (AnalystOutput, error) {
				return a.Run(c, s)
			})
			mu.Lock()
			stageA[a.Name()] = out
			mu.Unlock()
		}(a)
	}
	wg.Wait()
	for _, out := range stageA {
		record(out)
	}

	// Stage B — researchers (skipped on tactical cycles).
	var bull, bear ResearchOutput
	if !tactical {
		var rwg sync.WaitGroup
		outs := make([]AgentOutput, 2)
		for i, stance := range []string{"bull", "bear"} {
			rwg.Add(1)
			go func(i int, stance string) {
				defer rwg.Done()
				name := NameBull
				if stance == "bear" {
					name = NameBear
				}
				outs[i] = runAgent(ctx, g.agentTimeout, name, func(context.Context) (ResearchOutput, error) {
					return Research(stance, stageA), nil
				})
			}(i, stance)
		}
		rwg.Wait()
		for _, out := range outs {
			record(out)
		}
		if r, ok := outs[0].Payload.(ResearchOutput); ok {
			bull = r
		}
		if r, ok := outs[1].Payload.(ResearchOutput); ok {
			bear = r
		}
	}

	// Stage C — portfolio manager.
	pmOut := runAgent(ctx, g.agentTimeout, NamePortfolioMgr, func(context.Context) (PMOutput, error) {
		return PortfolioManager(s, stageA, bull, bear), nil
	})
	record(pmOut)
	pm, pmOK := pmOut.Payload.(PMOutput)
	if !pmOK {
		pm = PMOutput{Signal: types.ActionHold, ExecutiveSummary: "portfolio manager unavailable"}
	}

	// Stage D — risk panel (skipped on tactical cycles, which reuse the
	// neutral stance).
	var riskOuts []RiskOutput
	if tactical {
		out := runAgent(ctx, g.agentTimeout, NameNeutral, func(context.Context) (RiskOutput, error) {
			return RiskAgent("neutral", s, pm, g.riskCfg), nil
		})
		record(out)
		if ro, ok := out.Payload.(RiskOutput); ok {
			riskOuts = append(riskOuts, ro)
		}
	} else {
		var dwg sync.WaitGroup
		outs := make([]AgentOutput, 3)
		stances := []struct{ stance, name string }{
			{"aggressive", NameAggressive},
			{"conservative", NameConservative},
			{"neutral", NameNeutral},
		}
		for i, st := range stances {
			dwg.Add(1)
			go func(i int, stance, name string) {
				defer dwg.Done()
				outs[i] = runAgent(ctx, g.agentTimeout, name, func(context.Context) (RiskOutput, error) {
					return RiskAgent(stance, s, pm, g.riskCfg), nil
				})
			}(i, st.stance, st.name)
		}
		dwg.Wait()
		for _, out := range outs {
			record(out)
			if ro, ok := out.Payload.(RiskOutput); ok {
				riskOuts = append(riskOuts, ro)
			}
		}
	}
	riskRes := ResolveRisk(riskOuts)

	// Stage E — execution.
	execOut := runAgent(ctx, g.agentTimeout, NameExecution, func(context.Context) (ExecutionOutput, error) {
		return Execute(s, pm, riskRes, policy), nil
	})
	record(execOut)
	exec, execOK := execOut.Payload.(ExecutionOutput)
	if !execOK {
		exec = ExecutionOutput{Signal: types.ActionHold, Reasoning: "execution agent unavailable"}
	}

	// Stage F — learning, never blocks the result.
	if !tactical {
		go func() {
			learnCtx, learnCancel := context.WithTimeout(context.Background(), g.agentTimeout)
			defer learnCancel()
			out := runAgent(learnCtx, g.agentTimeout, NameLearning, func(c context.Context) (LearningOutput, error) {
				return Learning(c, s, g.docs, g.logger), nil
			})
			if out.Status != StatusOK {
				g.logger.Debug("learning agent incomplete", "status", out.Status, "error", out.Err)
			}
		}()
	}

	cycle := types.CycleResult{
		CycleID:          s.CycleID,
		Instrument:       s.Instrument,
		Kind:             s.Kind,
		At:               s.At,
		FinalSignal:      exec.Signal,
		BullishScore:     pm.BullishScore,
		BearishScore:     pm.BearishScore,
		ExecutiveSummary: pm.ExecutiveSummary,
		AgentDecisions:   decisions,
		IncompleteAgents: incomplete,
		Errors:           cycleErrors,
	}
	return Result{Cycle: cycle, Execution: exec}
}
