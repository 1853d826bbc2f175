package redis

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	types "github.com/yungbote/neurobridge-bookgen/internal/domain"
	"github.com/yungbote/neurobridge-bookgen/internal/platform/logger"
)

func TestNewJobEventMessage(t *testing.T) {
	job := &types.Job{
		ID:            uuid.New(),
		TenantID:      "t1",
		Type:          types.JobTypeSection,
		Status:        types.JobStatusFailed,
		Stage:         "generate",
		BookID:        "b1",
		BookVersionID: "v1",
		ChapterIndex:  types.IntPtr(2),
		SectionIndex:  types.IntPtr(4),
	}
	msg := NewJobEventMessage("failed", job, "timeout")
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]any
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back["job_id"] != job.ID.String() || back["status"] != "failed" || back["section_index"] != float64(4) {
		t.Fatalf("unexpected wire form: %s", raw)
	}
}

func TestNewJobEventBusRequiresAddr(t *testing.T) {
	if _, err := NewJobEventBus(context.Background(), logger.Nop(), Config{}); err == nil {
		t.Fatalf("expected error without REDIS_ADDR")
	}
}
