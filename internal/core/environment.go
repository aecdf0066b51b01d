package core

// ResolveEnv merges the overlays onto a copy of base for one job. Entries
// apply in declaration order, so a later entry for the same variable wins.
// Nothing is read from the process environment.
func ResolveEnv(base map[string]string, overlays []EnvEntry, job JobContext) (map[string]string, error) {
	env := make(map[string]string, len(base)+len(overlays))
	for k, v := range base {
		env[k] = v
	}
	for _, entry := range overlays {
		v, err := entry.Rule().Select(job)
		if err != nil {
			return nil, err
		}
		env[entry.Name] = v
	}
	return env, nil
}
