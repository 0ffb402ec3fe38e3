package ports

// SchedulerService drives the periodic sweep over open trades.
type SchedulerService interface {
	Start()
	Stop()
}
