package metrics

// HubObserver receives gateway hub activity for export.
type HubObserver interface {
	IncOnline()
	DecOnline()
	RecordPush()
	RecordPendingFlush()
	RecordStoreFailure()
}
