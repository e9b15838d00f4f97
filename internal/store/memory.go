package store

import (
	"context"
	"sort"
	"sync"

	"energy_monitor/internal/model"
)

// Memory holds samples, customers and relay state in memory. It serves as a
// Backend and a Subscriber: added samples and relay writes are pushed to
// subscribers the way a database change feed would.
type Memory struct {
	mu        sync.RWMutex
	samples   map[string][]model.Sample // keyed by subject ID, sorted by timestamp
	nextID    int64
	customers map[string]model.Customer
	relays    map[string]bool

	sampleSubs Registry[model.Sample]
	deviceSubs Registry[model.DeviceControlState]
}

func NewMemory() *Memory {
	return &Memory{
		samples:   make(map[string][]model.Sample),
		customers: make(map[string]model.Customer),
		relays:    make(map[string]bool),
	}
}

// AddSamples stores samples, assigning IDs to those without one, then sorts
// each affected subject by timestamp and notifies subscribers.
func (m *Memory) AddSamples(samples ...model.Sample) []model.Sample {
	if len(samples) == 0 {
		return nil
	}

	m.mu.Lock()
	added := make([]model.Sample, 0, len(samples))
	index := make(map[string]map[int64]int) // subject -> sample ID -> position
	for _, s := range samples {
		if s.ID == 0 {
			m.nextID++
			s.ID = m.nextID
		} else if s.ID > m.nextID {
			m.nextID = s.ID
		}

		ids, ok := index[s.SubjectID]
		if !ok {
			ids = indexByID(m.samples[s.SubjectID])
			index[s.SubjectID] = ids
		}
		list := m.samples[s.SubjectID]
		if i, dup := ids[s.ID]; dup {
			list[i] = s
		} else {
			ids[s.ID] = len(list)
			m.samples[s.SubjectID] = append(list, s)
		}
		added = append(added, s)
	}

	// Sort each affected subject's samples
	for subject := range index {
		list := m.samples[subject]
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].Timestamp.Before(list[j].Timestamp)
		})
	}
	m.mu.Unlock()

	for _, s := range added {
		m.sampleSubs.Publish(s.SubjectID, s)
	}
	return added
}

func indexByID(list []model.Sample) map[int64]int {
	ids := make(map[int64]int, len(list))
	for i, s := range list {
		ids[s.ID] = i
	}
	return ids
}

// PutCustomer registers or replaces a customer record.
func (m *Memory) PutCustomer(c model.Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[c.SubjectID] = c
}

// Subjects returns the IDs of all subjects with samples, sorted.
func (m *Memory) Subjects() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subjects := make([]string, 0, len(m.samples))
	for id := range m.samples {
		subjects = append(subjects, id)
	}
	sort.Strings(subjects)
	return subjects
}

// SampleCount returns the total number of samples for a subject.
func (m *Memory) SampleCount(subjectID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.samples[subjectID])
}

// TimeRange returns the time range covered by a subject's samples.
func (m *Memory) TimeRange(subjectID string) (model.TimeRange, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	samples := m.samples[subjectID]
	if len(samples) == 0 {
		return model.TimeRange{}, false
	}

	return model.TimeRange{
		Start: samples[0].Timestamp,
		End:   samples[len(samples)-1].Timestamp,
	}, true
}

func (m *Memory) QuerySamples(ctx context.Context, subjectID string, q Query) ([]model.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.samples[subjectID]
	if len(all) == 0 {
		return nil, nil
	}
	limit := q.limit()

	if q.Latest {
		byID := make([]model.Sample, len(all))
		copy(byID, all)
		sort.Slice(byID, func(i, j int) bool { return byID[i].ID > byID[j].ID })
		if len(byID) > limit {
			byID = byID[:limit]
		}
		sort.SliceStable(byID, func(i, j int) bool {
			return byID[i].Timestamp.Before(byID[j].Timestamp)
		})
		return byID, nil
	}

	// Binary search for start index
	startIdx := sort.Search(len(all), func(i int) bool {
		return !all[i].Timestamp.Before(q.Since)
	})
	endIdx := len(all)
	if endIdx-startIdx > limit {
		if q.Newest {
			startIdx = endIdx - limit
		} else {
			endIdx = startIdx + limit
		}
	}
	if startIdx >= endIdx {
		return nil, nil
	}

	result := make([]model.Sample, endIdx-startIdx)
	copy(result, all[startIdx:endIdx])
	return result, nil
}

func (m *Memory) GetTariff(ctx context.Context, subjectID string) (float64, error) {
	c, err := m.customer(ctx, subjectID)
	if err != nil {
		return 0, err
	}
	return c.TariffPerKWh, nil
}

func (m *Memory) GetCustomerName(ctx context.Context, subjectID string) (string, error) {
	c, err := m.customer(ctx, subjectID)
	if err != nil {
		return "", err
	}
	return c.Name, nil
}

func (m *Memory) customer(ctx context.Context, subjectID string) (model.Customer, error) {
	if err := ctx.Err(); err != nil {
		return model.Customer{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[subjectID]
	if !ok {
		return model.Customer{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) GetDeviceState(ctx context.Context, deviceID string) (model.DeviceControlState, error) {
	if err := ctx.Err(); err != nil {
		return model.DeviceControlState{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return model.DeviceControlState{
		DeviceID: deviceID,
		Relay:    model.RelayFromBool(m.relays[deviceID]),
	}, nil
}

func (m *Memory) SetDeviceState(ctx context.Context, deviceID string, relayOn bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	m.relays[deviceID] = relayOn
	m.mu.Unlock()

	m.deviceSubs.Publish(deviceID, model.DeviceControlState{
		DeviceID: deviceID,
		Relay:    model.RelayFromBool(relayOn),
	})
	return nil
}

func (m *Memory) SubscribeSamples(_ context.Context, subjectID string, onSample func(model.Sample)) (Unsubscribe, error) {
	return m.sampleSubs.Add(subjectID, onSample), nil
}

func (m *Memory) SubscribeDeviceState(_ context.Context, deviceID string, onChange func(model.DeviceControlState)) (Unsubscribe, error) {
	return m.deviceSubs.Add(deviceID, onChange), nil
}
