// Package planner implements the Plan Service (C4): given the file
// manifest a client already has and the file manifest of the version it
// wants, it computes the minimal add/keep/delete diff the client needs to
// apply.
package planner

import "sort"

// FileInfo describes one file within a version's manifest. It is the wire
// shape returned in the add/keep/delete lists of an update check, matching
// the {hash,path,url,size} shape the original packaging tool already used.
type FileInfo struct {
	Hash string `json:"hash"`
	Path string `json:"path"`
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size"`
}

// Manifest maps a version's relative file path to its FileInfo.
type Manifest map[string]FileInfo

// Plan is the incremental update a client must apply to go from one
// manifest to another.
type Plan struct {
	Add    []FileInfo `json:"add"`
	Keep   []FileInfo `json:"keep"`
	Delete []FileInfo `json:"delete"`
}

// Compute diffs localManifest (what the client currently has, may be nil
// for a fresh install) against targetManifest by comparing manifest keys
// only, the same way the source system's get_all_core_files did over plain
// dict keys: a path present in both manifests is a keep, a path only in
// targetManifest is an add, a path only in localManifest is a delete.
//
// add and keep entries carry the target manifest's hash/url/size. delete
// entries carry the local manifest's hash/url/size, since only the path is
// ever used to locate the file to remove; a path present in both with
// different hashes still counts as keep — classifying by path set alone
// keeps the plan shape simple and the decision deterministic, and the
// apply engine's keep-verification step catches the hash drift.
func Compute(localManifest, targetManifest Manifest) Plan {
	plan := Plan{
		Add:    make([]FileInfo, 0),
		Keep:   make([]FileInfo, 0),
		Delete: make([]FileInfo, 0),
	}

	for path, info := range targetManifest {
		if _, ok := localManifest[path]; ok {
			plan.Keep = append(plan.Keep, info)
		} else {
			plan.Add = append(plan.Add, info)
		}
	}

	for path, info := range localManifest {
		if _, ok := targetManifest[path]; !ok {
			plan.Delete = append(plan.Delete, info)
		}
	}

	sortByPath(plan.Add)
	sortByPath(plan.Keep)
	sortByPath(plan.Delete)

	return plan
}

func sortByPath(files []FileInfo) {
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
}
