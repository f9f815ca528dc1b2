package scheduler

import (
	"context"
	"sync"

	"github.com/haasonsaas/symbiont/internal/policyengine"
	"github.com/haasonsaas/symbiont/pkg/symbiont"
)

// LoadBalancer tracks resource allocation across active agents against a
// fixed capacity and, if an allocator engine is configured, additionally
// defers to its allocation policy rules (quotas, per-tier limits, and so
// on) before admitting a task.
type LoadBalancer struct {
	mu        sync.Mutex
	capacity  symbiont.ResourceRequirements
	allocated symbiont.ResourceRequirements
	allocator *policyengine.Engine
}

// NewLoadBalancer returns a LoadBalancer bounded by capacity. A zero field in
// capacity (e.g. MaxMemoryMB == 0) is treated as unbounded for that
// dimension. allocator may be nil to skip the policy check.
func NewLoadBalancer(capacity symbiont.ResourceRequirements, allocator *policyengine.Engine) *LoadBalancer {
	return &LoadBalancer{capacity: capacity, allocator: allocator}
}

// TryAllocate reserves task's declared requirements if doing so would not
// exceed capacity and, when an allocator is set, the allocator's policy
// rules agree. On success the allocation is committed; on failure nothing
// changes and the caller should push the task back onto the queue.
func (lb *LoadBalancer) TryAllocate(ctx context.Context, task symbiont.ScheduledTask) bool {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	req := task.Requirements
	if lb.capacity.MaxMemoryMB > 0 && lb.allocated.MaxMemoryMB+req.MaxMemoryMB > lb.capacity.MaxMemoryMB {
		return false
	}
	if lb.capacity.MaxCPUCores > 0 && lb.allocated.MaxCPUCores+req.MaxCPUCores > lb.capacity.MaxCPUCores {
		return false
	}
	if lb.capacity.DiskSpaceMB > 0 && lb.allocated.DiskSpaceMB+req.DiskSpaceMB > lb.capacity.DiskSpaceMB {
		return false
	}
	if lb.capacity.NetworkMbps > 0 && lb.allocated.NetworkMbps+req.NetworkMbps > lb.capacity.NetworkMbps {
		return false
	}

	if lb.allocator != nil {
		decision := lb.allocator.EvaluateAllocation(ctx, policyengine.AllocationRequest{
			AgentID:      task.Agent.Name,
			Requirements: req,
			Priority:     task.Priority,
		})
		if decision.Decision != symbiont.AccessAllow {
			return false
		}
	}

	lb.allocated.MaxMemoryMB += req.MaxMemoryMB
	lb.allocated.MaxCPUCores += req.MaxCPUCores
	lb.allocated.DiskSpaceMB += req.DiskSpaceMB
	lb.allocated.NetworkMbps += req.NetworkMbps
	return true
}

// Release returns task's declared requirements to capacity.
func (lb *LoadBalancer) Release(task symbiont.ScheduledTask) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	req := task.Requirements
	lb.allocated.MaxMemoryMB -= req.MaxMemoryMB
	lb.allocated.MaxCPUCores -= req.MaxCPUCores
	lb.allocated.DiskSpaceMB -= req.DiskSpaceMB
	lb.allocated.NetworkMbps -= req.NetworkMbps
	if lb.allocated.MaxMemoryMB < 0 {
		lb.allocated.MaxMemoryMB = 0
	}
	if lb.allocated.MaxCPUCores < 0 {
		lb.allocated.MaxCPUCores = 0
	}
	if lb.allocated.DiskSpaceMB < 0 {
		lb.allocated.DiskSpaceMB = 0
	}
	if lb.allocated.NetworkMbps < 0 {
		lb.allocated.NetworkMbps = 0
	}
}

// Allocated returns a snapshot of currently allocated resources.
func (lb *LoadBalancer) Allocated() symbiont.ResourceRequirements {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.allocated
}
