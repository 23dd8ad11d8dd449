package memory

import (
	"testing"

	"visiongate/internal/repository"
	"visiongate/internal/repository/repotest"
)

func TestJobRepository(t *testing.T) {
	repotest.Run(t, func(t *testing.T) repository.JobRepository {
		return NewJobRepository()
	})
}
