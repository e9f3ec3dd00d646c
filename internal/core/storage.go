package core

import (
	"context"
	"fmt"
	"os"

	blobcore "envgraph/internal/infra/blob/core"
	"envgraph/internal/infra/blob/fs"
	"envgraph/internal/infra/blob/memory"
	"envgraph/internal/infra/blob/s3"
	"envgraph/internal/infra/index"
)

// OpenBlobStore selects a payload-stream backend from the environment:
//
//	ENVGRAPH_BLOB_DRIVER: fs|s3|memory (default fs)
//	ENVGRAPH_BLOB_FS_ROOT: directory root when driver=fs (default ./envgraph-blobs)
//	ENVGRAPH_BLOB_S3_BUCKET, ENVGRAPH_BLOB_S3_REGION, ENVGRAPH_BLOB_S3_ENDPOINT,
//	ENVGRAPH_BLOB_S3_PATH_STYLE: s3 driver configuration when driver=s3
func OpenBlobStore() (blobcore.Store, error) {
	return openBlobStore("")
}

// openSnapshotStore is what Serialize/Unserialize call: it honors
// ENVGRAPH_BLOB_DRIVER exactly like OpenBlobStore, but when the selected (or
// default) driver is fs, dir takes precedence over ENVGRAPH_BLOB_FS_ROOT —
// the caller named a directory explicitly, so that's where the fs driver
// roots itself. Non-fs drivers ignore dir entirely.
func openSnapshotStore(dir string) (blobcore.Store, error) {
	return openBlobStore(dir)
}

func openBlobStore(fsRoot string) (blobcore.Store, error) {
	driver := os.Getenv("ENVGRAPH_BLOB_DRIVER")
	if driver == "" {
		driver = string(blobcore.DriverFilesystem)
	}
	switch blobcore.Driver(driver) {
	case blobcore.DriverFilesystem:
		root := fsRoot
		if root == "" {
			root = os.Getenv("ENVGRAPH_BLOB_FS_ROOT")
		}
		if root == "" {
			root = "./envgraph-blobs"
		}
		return fs.New(root)
	case blobcore.DriverS3:
		return s3.OpenFromEnv(context.Background())
	case blobcore.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}

// OpenIndex opens the optional SQLite-backed secondary index named by
// ENVGRAPH_INDEX_PATH. An unset or empty value disables indexing entirely;
// callers should treat a nil *index.Index as "no index configured", not an
// error — the environment's own maps remain fully queryable without it.
func OpenIndex() (*index.Index, error) {
	path := os.Getenv("ENVGRAPH_INDEX_PATH")
	if path == "" {
		return nil, nil
	}
	return index.Open(path)
}

// RebuildIndex flushes the current graph into idx: every attached item and
// every edge table, as a fresh snapshot. Cheap enough to call after any
// batch of mutations; the index holds no state the environment doesn't
// already have, so a stale or lost index file is never a correctness
// problem, only a performance one.
func (e *Environment) RebuildIndex(idx *index.Index) error {
	if idx == nil {
		return nil
	}
	items := make([]index.ItemRecord, 0, len(e.insertOrder))
	for _, id := range e.insertOrder {
		switch e.kindOf[id] {
		case KindFrameNode:
			f := e.frames[id]
			items = append(items, index.ItemRecord{ID: string(id), Kind: "frame_node", ClassName: f.ClassName, Label: f.Label})
		case KindLayer:
			l := e.layers[id]
			kind := "layer"
			if _, ok := e.mapDimension[id]; ok {
				kind = "cartesian_map"
			}
			items = append(items, index.ItemRecord{ID: string(id), Kind: kind, ClassName: l.ClassName, Label: l.Label})
		case KindOperator:
			op := e.operators[id]
			items = append(items, index.ItemRecord{ID: string(id), Kind: "operator", ClassName: op.ClassName, Label: op.Label})
		}
	}

	var edges []index.EdgeRecord
	for child, parent := range e.frameParent {
		edges = append(edges, index.EdgeRecord{Table: "frame_tree", Parent: string(parent), Child: string(child)})
	}
	for child, parents := range e.layerParents {
		for _, parent := range parents {
			edges = append(edges, index.EdgeRecord{Table: "layer_dag", Parent: string(parent), Child: string(child)})
		}
	}
	for op, inputs := range e.opInputs {
		for _, in := range inputs {
			edges = append(edges, index.EdgeRecord{Table: "operator_input", Parent: string(op), Child: string(in)})
		}
	}
	for op, outputs := range e.opOutputs {
		for _, out := range outputs {
			edges = append(edges, index.EdgeRecord{Table: "operator_output", Parent: string(op), Child: string(out)})
		}
	}
	for m, frame := range e.mapFrame {
		edges = append(edges, index.EdgeRecord{Table: "map_frame", Parent: string(frame), Child: string(m)})
	}

	e.metrics.GraphSize(len(e.frames), len(e.layers), len(e.operators))
	return idx.Rebuild(items, edges)
}
