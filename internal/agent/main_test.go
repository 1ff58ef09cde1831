package agent

import (
	"os"
	"testing"

	"github.com/nl2sql/backend/pkg/logger"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "json", "stdout")
	os.Exit(m.Run())
}
