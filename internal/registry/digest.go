package registry

import "sort"

// digest is a simplified t-digest: a bounded set of (mean, weight)
// centroids approximating the distribution of observed values, queried
// by quantile. No pack example imports a t-digest library, so this is a
// standard-library implementation rather than a reach for a stray
// dependency with no other home in the spec.
type digest struct {
	centroids []centroid
	maxSize   int
	count     float64
}

type centroid struct {
	mean   float64
	weight float64
}

const digestMaxSize = 128

func newDigest() *digest {
	return &digest{maxSize: digestMaxSize}
}

// add folds one observation into the digest; once the centroid list
// grows past twice maxSize, compress merges neighbouring centroids.
func (d *digest) add(v float64) {
	d.count++
	d.centroids = append(d.centroids, centroid{mean: v, weight: 1})
	if len(d.centroids) > d.maxSize*2 {
		d.compress()
	}
}

func (d *digest) compress() {
	sort.Slice(d.centroids, func(i, j int) bool { return d.centroids[i].mean < d.centroids[j].mean })

	// Merge sorted neighbours while the combined weight stays within
	// limit, which keeps at most about maxSize centroids of similar weight.
	limit := 2 * d.count / float64(d.maxSize)
	merged := make([]centroid, 0, d.maxSize)
	for _, c := range d.centroids {
		if n := len(merged); n > 0 && merged[n-1].weight+c.weight <= limit {
			last := &merged[n-1]
			total := last.weight + c.weight
			last.mean = (last.mean*last.weight + c.mean*c.weight) / total
			last.weight = total
			continue
		}
		merged = append(merged, c)
	}
	d.centroids = merged
}

// quantile returns the estimated value at quantile p (0 <= p <= 1) by
// walking the weighted centroids in sorted order.
func (d *digest) quantile(p float64) float64 {
	if len(d.centroids) == 0 {
		return 0
	}
	d.compress()

	target := p * d.count
	var cum float64
	for _, c := range d.centroids {
		cum += c.weight
		if cum >= target {
			return c.mean
		}
	}
	return d.centroids[len(d.centroids)-1].mean
}
