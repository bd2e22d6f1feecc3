// Package jsonutil provides the deep-merge helper every "config" and
// "context" json blob in the data model uses (workflow.config, task.context,
// memory.metadata, ...). Plain stdlib: no example repo carries a merge
// library, and the operation (recursive map merge) is a handful of lines not
// worth a dependency for.
package jsonutil

// DeepMerge merges patch into base, recursively merging nested objects and
// overwriting scalars/arrays. base is not mutated; the merged result is
// returned. Used by Workflow.patchConfig and Task.setPlan's context merge.
func DeepMerge(base, patch map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, pv := range patch {
		bv, exists := result[k]
		if !exists {
			result[k] = pv
			continue
		}
		bMap, bIsMap := bv.(map[string]any)
		pMap, pIsMap := pv.(map[string]any)
		if bIsMap && pIsMap {
			result[k] = DeepMerge(bMap, pMap)
		} else {
			result[k] = pv
		}
	}
	return result
}
