// Package jobs runs long-lived background workers until shutdown.
package jobs

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Job is a background worker. Start blocks until ctx is cancelled.
type Job interface {
	Start(ctx context.Context)
}

type namedJob struct {
	name string
	job  Job
}

// Manager starts registered jobs together and waits for all of them to stop.
type Manager struct {
	jobs []namedJob
}

func New() *Manager {
	return &Manager{}
}

// Register adds a job. Jobs registered after Start are ignored.
func (m *Manager) Register(name string, job Job) {
	m.jobs = append(m.jobs, namedJob{name: name, job: job})
}

// Start runs every job and returns once ctx is done and all jobs returned.
func (m *Manager) Start(ctx context.Context) {
	var wg sync.WaitGroup

	for _, nj := range m.jobs {
		wg.Add(1)

		go func(j namedJob) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("job", j.name).Msg("Background job panicked")
				}
			}()

			log.Info().Str("job", j.name).Msg("Background job started")
			j.job.Start(ctx)
			log.Info().Str("job", j.name).Msg("Background job stopped")
		}(nj)
	}

	<-ctx.Done()
	wg.Wait()
}
