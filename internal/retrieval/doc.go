// Package retrieval is the similarity-search side of answer generation.
//
// A Corpus turns a directory of security logs (Wazuh alerts.json lines,
// plain .log/.txt files) into content-addressed Documents. An Indexer
// upserts new documents into the vector Index and deletes ones whose
// source content disappeared, skipping documents it has already embedded.
// A Watcher re-runs the Indexer when the corpus directory changes.
//
// The production Index is backed by chromem-go with Ollama embeddings and
// persists under retrieval.index_dir. Search returns ErrEmptyIndex when
// nothing has been indexed yet and wraps backend failures in
// ErrUnavailable; callers treat both as a degraded, reference-free answer.
package retrieval
