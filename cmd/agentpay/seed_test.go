package main

import (
	"testing"

	"github.com/alecgard/agentpay/internal/agent"
)

func TestDemoAgentsAreValid(t *testing.T) {
	seen := map[agent.FeeModelType]bool{}
	for _, in := range demoAgents("dev-1") {
		if in.OwnerID != "dev-1" {
			t.Errorf("%s: owner = %q", in.Name, in.OwnerID)
		}
		if err := in.FeeModel.Validate(); err != nil {
			t.Errorf("%s: fee model invalid: %v", in.Name, err)
		}
		seen[in.FeeModel.Type] = true
	}
	if !seen[agent.FeeModelFreeTier] || !seen[agent.FeeModelCreditBased] {
		t.Errorf("demo agents should cover both fee models, got %v", seen)
	}
}
