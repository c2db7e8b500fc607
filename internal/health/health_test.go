package health

import (
	"context"
	"testing"
)

func TestEmptyRegistryIsHealthy(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("Empty registry should report healthy")
	}
	if len(statuses) != 0 {
		t.Errorf("Expected no statuses, got %d", len(statuses))
	}
}

func TestAllCheckersPass(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("gateway", func(context.Context) Status {
		return Status{Name: "gateway", Healthy: true}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if !healthy {
		t.Error("Expected aggregate healthy")
	}
	if len(statuses) != 2 {
		t.Fatalf("Expected 2 statuses, got %d", len(statuses))
	}
	if statuses[0].Name != "database" || statuses[1].Name != "gateway" {
		t.Errorf("Registration order not preserved: %v", statuses)
	}
}

func TestOneFailureDegradesAggregate(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status {
		return Status{Name: "database", Healthy: true}
	})
	r.Register("gateway", func(context.Context) Status {
		return Status{Name: "gateway", Healthy: false, Detail: "connection refused"}
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("Expected aggregate unhealthy")
	}
	if statuses[1].Detail != "connection refused" {
		t.Errorf("Detail not propagated: %q", statuses[1].Detail)
	}
}

func TestPanickingCheckerIsUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("flaky", func(context.Context) Status {
		panic("boom")
	})

	healthy, statuses := r.CheckAll(context.Background())
	if healthy {
		t.Error("Panicking checker should degrade aggregate")
	}
	if statuses[0].Healthy || statuses[0].Detail == "" {
		t.Errorf("Expected unhealthy status with detail, got %+v", statuses[0])
	}
}
