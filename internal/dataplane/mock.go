package dataplane

import "context"

// MockReader returns canned answers for tests in other packages.
type MockReader struct {
	Data     map[string]*AlgorithmData
	Hourly   map[int][]HourBucket
	Realtime *RealtimeSpend
	Err      error
}

var _ Reader = (*MockReader)(nil)

func (m *MockReader) DataForAlgorithm(ctx context.Context, accountID int, algo string, lookbackDays int) (*AlgorithmData, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if data, ok := m.Data[algo]; ok {
		return data, nil
	}
	return &AlgorithmData{Algo: algo}, nil
}

func (m *MockReader) HourlyProfile(ctx context.Context, accountID, campaignID, lookbackDays int) ([]HourBucket, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Hourly[campaignID], nil
}

func (m *MockReader) RealtimeSpendForGuard(ctx context.Context, accountID, campaignID int) (*RealtimeSpend, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.Realtime != nil {
		return m.Realtime, nil
	}
	return &RealtimeSpend{Source: RealtimeSourceRedis}, nil
}
