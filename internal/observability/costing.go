package observability

// RecalculationRun counts one recalculation cascade.
func (m *Metrics) RecalculationRun(reason string) {
	if m == nil {
		return
	}
	m.RecalcRuns.WithLabelValues(reason).Inc()
}

// AuditEntriesWritten counts cost audit entries produced by a cascade.
func (m *Metrics) AuditEntriesWritten(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.CostAuditEntries.Add(float64(count))
}

// FallbackCostUsed counts a sale costed partly or fully at the fallback price.
func (m *Metrics) FallbackCostUsed() {
	if m == nil {
		return
	}
	m.FallbackConsumption.Inc()
}
