package coordinator

import (
	"github.com/Amicidal/sigmachad-sub002/pkg/config"
	"github.com/Amicidal/sigmachad-sub002/pkg/models"
)

// Strategy picks one agent for a task out of a pre-filtered candidate
// set. Candidates are never empty and already satisfy status, load, and
// capability requirements; the strategy only ranks them.
type Strategy interface {
	Name() config.Strategy
	Pick(task *models.Task, candidates []*models.Agent) *models.Agent
}

// NewStrategy resolves a configured strategy name
func NewStrategy(name config.Strategy) (Strategy, error) {
	switch name {
	case config.StrategyRoundRobin:
		return roundRobin{}, nil
	case config.StrategyLeastLoaded:
		return leastLoaded{}, nil
	case config.StrategyPriorityBased:
		return priorityBased{}, nil
	case config.StrategyCapabilityWeighted:
		return capabilityWeighted{}, nil
	case config.StrategyDynamic:
		return dynamic{}, nil
	default:
		return nil, NewValidationError("unknown scheduling strategy %q", name)
	}
}

// pickMax returns the candidate with the highest score; ties keep the
// earliest candidate, so ranking is deterministic for a given fleet
// order.
func pickMax(candidates []*models.Agent, score func(*models.Agent) float64) *models.Agent {
	best := candidates[0]
	bestScore := score(best)
	for _, a := range candidates[1:] {
		if s := score(a); s > bestScore {
			best, bestScore = a, s
		}
	}
	return best
}

type roundRobin struct{}

func (roundRobin) Name() config.Strategy { return config.StrategyRoundRobin }

// Pick spreads work by handing the task to whoever has completed the
// fewest tasks so far.
func (roundRobin) Pick(_ *models.Task, candidates []*models.Agent) *models.Agent {
	return pickMax(candidates, func(a *models.Agent) float64 {
		return -float64(a.TotalTasksCompleted)
	})
}

type leastLoaded struct{}

func (leastLoaded) Name() config.Strategy { return config.StrategyLeastLoaded }

func (leastLoaded) Pick(_ *models.Task, candidates []*models.Agent) *models.Agent {
	return pickMax(candidates, func(a *models.Agent) float64 {
		return -loadRatio(a)
	})
}

type priorityBased struct{}

func (priorityBased) Name() config.Strategy { return config.StrategyPriorityBased }

func (priorityBased) Pick(_ *models.Task, candidates []*models.Agent) *models.Agent {
	return pickMax(candidates, func(a *models.Agent) float64 {
		return float64(a.Priority)
	})
}

type capabilityWeighted struct{}

func (capabilityWeighted) Name() config.Strategy { return config.StrategyCapabilityWeighted }

func (capabilityWeighted) Pick(task *models.Task, candidates []*models.Agent) *models.Agent {
	return pickMax(candidates, func(a *models.Agent) float64 {
		return capabilityScore(task, a)
	})
}

type dynamic struct{}

func (dynamic) Name() config.Strategy { return config.StrategyDynamic }

func (dynamic) Pick(task *models.Task, candidates []*models.Agent) *models.Agent {
	return pickMax(candidates, func(a *models.Agent) float64 {
		return dynamicScore(task, a)
	})
}

// loadRatio is the agent's utilization in [0,1]
func loadRatio(a *models.Agent) float64 {
	if a.MaxLoad <= 0 {
		return 1
	}
	return float64(a.Load) / float64(a.MaxLoad)
}

// capabilityScore rewards matched requirements double and surplus
// capabilities at half weight.
func capabilityScore(task *models.Task, a *models.Agent) float64 {
	matching, extra := splitCapabilities(task.RequiredCapabilities, a.Capabilities)
	return float64(matching)*2 + float64(extra)*0.5
}

func splitCapabilities(required, have []string) (matching, extra int) {
	for _, c := range have {
		found := false
		for _, want := range required {
			if c == want {
				found = true
				break
			}
		}
		if found {
			matching++
		} else {
			extra++
		}
	}
	return matching, extra
}

// dynamicScore blends headroom, agent priority, reliability, speed, and
// capability fit into one weighted figure. Speed decays from 1 toward 0
// as the rolling average duration grows past one second.
func dynamicScore(task *models.Task, a *models.Agent) float64 {
	speed := 1.0 / (1.0 + a.AverageTaskDuration/1000.0)
	return 0.3*(1-loadRatio(a)) +
		0.2*(float64(a.Priority)/10) +
		0.2*(1-a.ErrorRate) +
		0.15*speed +
		0.15*(capabilityScore(task, a)/10)
}
