package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimeBucketStore keeps the most recent time buckets in a ring buffer.
//
// Requests and iterations are accumulated lock-free between buckets;
// CreateBucket swaps the accumulators out and appends a bucket.
type TimeBucketStore struct {
	buckets    []*TimeBucket
	head       int
	count      int
	maxBuckets int
	mu         sync.RWMutex

	lastBucketTime time.Time

	currentRequests   atomic.Int64
	currentFailures   atomic.Int64
	currentIterations atomic.Int64
}

// NewTimeBucketStore creates a store retaining at most maxBuckets buckets.
func NewTimeBucketStore(maxBuckets int) *TimeBucketStore {
	if maxBuckets <= 0 {
		maxBuckets = 3600
	}

	return &TimeBucketStore{
		buckets:        make([]*TimeBucket, maxBuckets),
		maxBuckets:     maxBuckets,
		lastBucketTime: time.Now(),
	}
}

// RecordRequest adds a request to the current interval.
func (tbs *TimeBucketStore) RecordRequest(success bool) {
	tbs.currentRequests.Add(1)
	if !success {
		tbs.currentFailures.Add(1)
	}
}

// RecordIteration adds a completed iteration to the current interval.
func (tbs *TimeBucketStore) RecordIteration() {
	tbs.currentIterations.Add(1)
}

// CreateBucket closes the current interval and stores it as a bucket.
//
// The bucket fields that describe totals, latency, VUs and phase are taken
// from base; interval fields are computed here.
func (tbs *TimeBucketStore) CreateBucket(base TimeBucket) *TimeBucket {
	tbs.mu.Lock()
	defer tbs.mu.Unlock()

	now := time.Now()

	intervalRequests := tbs.currentRequests.Swap(0)
	intervalFailures := tbs.currentFailures.Swap(0)
	intervalIterations := tbs.currentIterations.Swap(0)

	elapsed := now.Sub(tbs.lastBucketTime).Seconds()
	if elapsed <= 0 {
		elapsed = 1.0
	}

	bucket := base
	bucket.Timestamp = now
	bucket.IntervalRequests = intervalRequests
	bucket.IntervalIterations = intervalIterations
	bucket.IntervalRPS = float64(intervalRequests) / elapsed
	if intervalRequests > 0 {
		bucket.IntervalErrorRate = float64(intervalFailures) / float64(intervalRequests)
	}

	tbs.buckets[tbs.head] = &bucket
	tbs.head = (tbs.head + 1) % tbs.maxBuckets
	if tbs.count < tbs.maxBuckets {
		tbs.count++
	}
	tbs.lastBucketTime = now

	return &bucket
}

// GetBuckets returns all retained buckets in chronological order.
func (tbs *TimeBucketStore) GetBuckets() []*TimeBucket {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()

	if tbs.count == 0 {
		return nil
	}

	result := make([]*TimeBucket, tbs.count)
	start := 0
	if tbs.count == tbs.maxBuckets {
		start = tbs.head
	}
	for i := 0; i < tbs.count; i++ {
		result[i] = tbs.buckets[(start+i)%tbs.maxBuckets]
	}
	return result
}

// GetBucketsForPhase returns the buckets recorded during phase.
func (tbs *TimeBucketStore) GetBucketsForPhase(phase Phase) []*TimeBucket {
	var result []*TimeBucket
	for _, b := range tbs.GetBuckets() {
		if b.Phase == phase {
			result = append(result, b)
		}
	}
	return result
}

// GetLatestBucket returns the most recent bucket, or nil if none.
func (tbs *TimeBucketStore) GetLatestBucket() *TimeBucket {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()

	if tbs.count == 0 {
		return nil
	}
	return tbs.buckets[(tbs.head-1+tbs.maxBuckets)%tbs.maxBuckets]
}

// Count returns the number of retained buckets.
func (tbs *TimeBucketStore) Count() int {
	tbs.mu.RLock()
	defer tbs.mu.RUnlock()
	return tbs.count
}

// Reset clears all buckets and accumulators.
func (tbs *TimeBucketStore) Reset() {
	tbs.mu.Lock()
	defer tbs.mu.Unlock()

	tbs.buckets = make([]*TimeBucket, tbs.maxBuckets)
	tbs.head = 0
	tbs.count = 0
	tbs.lastBucketTime = time.Now()

	tbs.currentRequests.Store(0)
	tbs.currentFailures.Store(0)
	tbs.currentIterations.Store(0)
}

// CalculateSteadyStateRPS returns the mean interval RPS over steady buckets
// and how many buckets contributed.
func (tbs *TimeBucketStore) CalculateSteadyStateRPS() (float64, int) {
	steady := tbs.GetBucketsForPhase(PhaseSteady)
	if len(steady) == 0 {
		return 0, 0
	}

	var sum float64
	for _, b := range steady {
		sum += b.IntervalRPS
	}
	return sum / float64(len(steady)), len(steady)
}
