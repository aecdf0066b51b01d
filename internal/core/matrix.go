package core

// Expand returns the Cartesian product of the dimensions. The first
// dimension varies slowest and every dimension is walked in its declared
// value order, so {version: [a,b], platform: [x,y]} yields (a,x), (a,y),
// (b,x), (b,y). An empty dimension list yields a single empty context.
func Expand(dims []Dimension) ([]JobContext, error) {
	if err := validateMatrix(dims); err != nil {
		return nil, err
	}

	names := make([]string, len(dims))
	total := 1
	for i, d := range dims {
		names[i] = d.Name
		total *= len(d.Values)
	}

	jobs := make([]JobContext, 0, total)
	cursor := make([]int, len(dims))
	for n := 0; n < total; n++ {
		values := make([]string, len(dims))
		for i, d := range dims {
			values[i] = d.Values[cursor[i]]
		}
		jobs = append(jobs, JobContext{index: n, names: names, values: values})

		// odometer: bump the last dimension, carry leftwards
		for i := len(dims) - 1; i >= 0; i-- {
			cursor[i]++
			if cursor[i] < len(dims[i].Values) {
				break
			}
			cursor[i] = 0
		}
	}
	return jobs, nil
}

func validateMatrix(dims []Dimension) error {
	seen := make(map[string]bool, len(dims))
	for _, d := range dims {
		if d.Name == "" {
			return newConfigError(ErrCodeInvalidMatrix, "dimension name is empty")
		}
		if seen[d.Name] {
			return newConfigError(ErrCodeInvalidMatrix, "dimension %q declared twice", d.Name)
		}
		seen[d.Name] = true
		if len(d.Values) == 0 {
			return newConfigError(ErrCodeInvalidMatrix, "dimension %q has no values", d.Name)
		}
	}
	return nil
}
