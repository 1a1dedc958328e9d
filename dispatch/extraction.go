package dispatch

import (
	"context"
	"log"

	"github.com/ridgeline/triagecore/model"
	"github.com/ridgeline/triagecore/observability"
	"github.com/ridgeline/triagecore/scankey"
	"github.com/ridgeline/triagecore/timeline"
)

// FileQueue re-enqueues a FileTask onto the dispatch-file queue — used
// both for extracted children and (via Submitter) the root file.
type FileQueue interface {
	Push(ctx context.Context, task *model.FileTask) error
}

// HandleServiceResult records a completed (file, service) analyzer
// result, honoring the drop_file short-circuit and extraction caps
// (spec.md §4.3's "Extraction" and "Short-circuit policy" sections).
// The caller is the external analyzer-result consumer, not
// FileDispatcher.Handle itself — results arrive asynchronously and are
// independent of when the next FileTask for this file happens to run.
func (fd *FileDispatcher) HandleServiceResult(ctx context.Context, sid, fileHash, fileType, service string, depth int, result model.ServiceResult) error {
	svcConfig := fd.svcConfig.BuildServiceConfig(service, nil)
	resultKey := scankey.ResultKey(fileHash, service, svcConfig)
	if err := fd.store.PutResult(ctx, resultKey); err != nil {
		return err
	}
	fd.breakers.For(service).RecordSuccess()

	var toDispatch []*model.FileTask

	err := fd.tables.withTable(ctx, sid, func(t *table) error {
		entry, exists := t.entry(fileHash, service)
		if !exists {
			entry = &model.DispatchEntry{}
			t.setEntry(fileHash, service, entry)
		}
		entry.Status = model.StatusFinished
		entry.ResultKey = resultKey
		entry.DropFile = result.DropFile

		fd.timeline.Record(timeline.Event{Sid: sid, FileHash: fileHash, Service: service, Stage: timeline.StageServiceDone})

		if result.DropFile {
			return nil // the next Handle() call for this file will short-circuit later groups
		}

		for _, child := range result.Extracted {
			if depth+1 > fd.cfg.MaxExtractionDepth {
				fd.recordExtractionError(t, sid, child.Sha256, "max_extraction_depth exceeded")
				continue
			}
			if t.Extracted >= fd.cfg.MaxExtracted {
				fd.recordExtractionError(t, sid, child.Sha256, "max_extracted exceeded")
				continue
			}
			t.Extracted++
			if _, seen := t.Files[child.Sha256]; !seen {
				t.Files[child.Sha256] = child.FileType
				t.Remaining++
			}
			toDispatch = append(toDispatch, &model.FileTask{Sid: sid, FileHash: child.Sha256, FileType: child.FileType, Depth: depth + 1})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, ft := range toDispatch {
		if err := fd.fileQueue.Push(ctx, ft); err != nil {
			log.Printf("[dispatch] failed to enqueue extracted child %s (sid=%s): %v", ft.FileHash, sid, err)
		}
	}

	return fd.Handle(ctx, &model.FileTask{Sid: sid, FileHash: fileHash, FileType: fileType, Depth: depth})
}

// HandleServiceError records a terminal (non-retryable) analyzer error
// for (sid, fileHash, service) — treated as a completed service, not
// retried.
func (fd *FileDispatcher) HandleServiceError(ctx context.Context, sid, fileHash, fileType, service string, depth int, result model.ServiceError) error {
	if err := fd.store.PutError(ctx, result.ErrorKey, result.Terminal); err != nil {
		return err
	}
	observability.ServiceFailures.WithLabelValues(service).Inc()
	fd.breakers.For(service).RecordFailure()

	if !result.Terminal {
		return nil // let the next Handle() timeout/retry path redispatch it
	}

	err := fd.tables.withTable(ctx, sid, func(t *table) error {
		entry, exists := t.entry(fileHash, service)
		if !exists {
			entry = &model.DispatchEntry{}
			t.setEntry(fileHash, service, entry)
		}
		entry.Status = model.StatusFinished
		entry.ErrorKey = result.ErrorKey
		return nil
	})
	if err != nil {
		return err
	}

	return fd.Handle(ctx, &model.FileTask{Sid: sid, FileHash: fileHash, FileType: fileType, Depth: depth})
}

// recordExtractionError records a synthetic terminal error against a
// surplus/over-deep child instead of dispatching it — the child never
// gets a DispatchTable entry of its own since it was never admitted.
func (fd *FileDispatcher) recordExtractionError(t *table, sid, childHash, reason string) {
	if _, exists := t.entry(childHash, "extraction"); !exists {
		t.setEntry(childHash, "extraction", &model.DispatchEntry{
			Status:   model.StatusFinished,
			ErrorKey: "extraction-rejected:" + reason,
		})
	}
	log.Printf("[dispatch] rejected extracted child %s for sid=%s: %s", childHash, sid, reason)
}
