// Package scheduler implements the DAG Scheduler (component D): it layers
// a set of task specifications by dependency via Kahn's algorithm, then
// runs each layer under a concurrency limit, skipping any task whose
// dependency failed or was itself skipped.
package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/example/codeagent/internal/codeagenterr"
	"github.com/example/codeagent/internal/task"
)

// RunFunc executes one task and returns its result. Callers close over a
// backend.Backend selection and executor.Run to build one of these; the
// scheduler itself has no notion of backends or child processes.
type RunFunc func(spec *task.Spec) task.Result

// Summary is the outcome of one RunParallel call.
type Summary struct {
	RunID          string
	Results        []task.Result
	SucceededCount int
}

// Layer topologically sorts specs into dependency layers using Kahn's
// algorithm with layer snapshots. Layer order is stable; within a layer,
// order follows the input slice. Returns ConfigurationError (exit 2) for
// an unknown dependency or a cycle.
func Layer(specs []*task.Spec) ([][]*task.Spec, error) {
	byID := make(map[string]*task.Spec, len(specs))
	indegree := make(map[string]int, len(specs))
	adj := make(map[string][]string, len(specs))
	order := make([]string, 0, len(specs))
	pos := make(map[string]int, len(specs))

	for _, s := range specs {
		if _, dup := byID[s.ID]; dup {
			return nil, &codeagenterr.ConfigurationError{Reason: fmt.Sprintf("duplicate task id %q", s.ID)}
		}
		byID[s.ID] = s
		indegree[s.ID] = 0
		pos[s.ID] = len(order)
		order = append(order, s.ID)
	}

	for _, s := range specs {
		for _, dep := range s.Dependencies {
			if _, ok := byID[dep]; !ok {
				return nil, &codeagenterr.ConfigurationError{Reason: fmt.Sprintf("unknown dependency %q for task %q", dep, s.ID)}
			}
			indegree[s.ID]++
			adj[dep] = append(adj[dep], s.ID)
		}
	}

	var queue []string
	for _, id := range order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var layers [][]*task.Spec
	processed := 0
	for len(queue) > 0 {
		current := queue
		queue = nil

		layer := make([]*task.Spec, len(current))
		for i, id := range current {
			layer[i] = byID[id]
			processed++
		}
		layers = append(layers, layer)

		var next []string
		for _, id := range current {
			for _, nb := range adj[id] {
				indegree[nb]--
				if indegree[nb] == 0 {
					next = append(next, nb)
				}
			}
		}
		sort.Slice(next, func(i, j int) bool { return pos[next[i]] < pos[next[j]] })
		queue = append(queue, next...)
	}

	if processed != len(specs) {
		var cyclic []string
		for _, id := range order {
			if indegree[id] > 0 {
				cyclic = append(cyclic, id)
			}
		}
		return nil, &codeagenterr.ConfigurationError{Reason: fmt.Sprintf("cycle detected involving tasks: %s", strings.Join(cyclic, ", "))}
	}

	return layers, nil
}

// RunParallel runs specs to completion, layer by layer, under a
// concurrency limit of maxWorkers (0 or >= the layer size means
// unbounded). If abort is closed, no further layer is started and any
// layer already in progress stops admitting new tasks; in-flight tasks are
// expected to observe the same abort channel themselves (run is typically
// a closure that threads it through to executor.Options.AbortSignal) and
// terminate on their own. Tasks that never started because of an abort are
// omitted from Results entirely, per the truncated-result-list contract.
func RunParallel(specs []*task.Spec, run RunFunc, maxWorkers int, abort <-chan struct{}) (Summary, error) {
	layers, err := Layer(specs)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{RunID: uuid.NewString(), Results: make([]task.Result, 0, len(specs))}
	failed := make(map[string]bool, len(specs))

	var sem chan struct{}
	if maxWorkers > 0 {
		sem = make(chan struct{}, maxWorkers)
	}

	isAborted := func() bool {
		select {
		case <-abort:
			return true
		default:
			return false
		}
	}

	for _, layer := range layers {
		if isAborted() {
			break
		}

		var runnable []*task.Spec
		for _, s := range layer {
			if dependencyFailed(s, failed) {
				res := task.Skipped(s.ID)
				summary.Results = append(summary.Results, res)
				failed[s.ID] = true
				continue
			}
			runnable = append(runnable, s)
		}

		var wg sync.WaitGroup
		resultsCh := make(chan task.Result, len(runnable))
		started := 0
		for _, s := range runnable {
			if isAborted() {
				break
			}
			if sem != nil {
				sem <- struct{}{}
			}
			started++
			wg.Add(1)
			go func(spec *task.Spec) {
				defer wg.Done()
				if sem != nil {
					defer func() { <-sem }()
				}
				defer func() {
					if r := recover(); r != nil {
						resultsCh <- task.Result{TaskID: spec.ID, ExitCode: 1, Error: fmt.Sprintf("panic: %v", r)}
					}
				}()
				resultsCh <- run(spec)
			}(s)
		}
		wg.Wait()
		close(resultsCh)

		for i := 0; i < started; i++ {
			res := <-resultsCh
			summary.Results = append(summary.Results, res)
			if res.ExitCode != 0 {
				failed[res.TaskID] = true
			}
		}
	}

	for _, res := range summary.Results {
		if res.ExitCode == 0 {
			summary.SucceededCount++
		}
	}
	return summary, nil
}

// dependencyFailed reports whether s must be skipped because at least one
// of its dependencies failed or was itself skipped.
func dependencyFailed(s *task.Spec, failed map[string]bool) bool {
	for _, dep := range s.Dependencies {
		if failed[dep] {
			return true
		}
	}
	return false
}
