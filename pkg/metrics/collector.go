package metrics

import (
	"time"

	"github.com/clawlets/clawlets/pkg/storage"
	"github.com/clawlets/clawlets/pkg/types"
)

// Collector refreshes the fleet-state gauges from storage
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	_ = c.store.View(func(tx *storage.Tx) error {
		c.collectProjectMetrics(tx)
		c.collectRunnerMetrics(tx)
		c.collectJobMetrics(tx)
		c.collectDeletionMetrics(tx)
		return nil
	})
}

func (c *Collector) collectProjectMetrics(tx *storage.Tx) {
	projects, err := tx.ListProjects()
	if err != nil {
		return
	}

	counts := make(map[types.ProjectStatus]int)
	for _, project := range projects {
		counts[project.Status]++
	}

	// Reset clears statuses that emptied since the last pass
	ProjectsTotal.Reset()
	for status, count := range counts {
		ProjectsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectRunnerMetrics(tx *storage.Tx) {
	runners, err := tx.ListRunners()
	if err != nil {
		return
	}

	counts := make(map[types.RunnerStatus]int)
	for _, runner := range runners {
		counts[runner.LastStatus]++
	}

	RunnersTotal.Reset()
	for status, count := range counts {
		RunnersTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectJobMetrics(tx *storage.Tx) {
	counts := make(map[types.JobStatus]int)
	err := tx.ForEachJob(func(job *types.Job) error {
		counts[job.Status]++
		return nil
	})
	if err != nil {
		return
	}

	JobsTotal.Reset()
	for status, count := range counts {
		JobsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}

func (c *Collector) collectDeletionMetrics(tx *storage.Tx) {
	jobs, err := tx.ListDeletionJobs()
	if err != nil {
		return
	}

	counts := make(map[types.DeletionStatus]int)
	for _, job := range jobs {
		counts[job.Status]++
	}

	DeletionJobsTotal.Reset()
	for status, count := range counts {
		DeletionJobsTotal.WithLabelValues(string(status)).Set(float64(count))
	}
}
