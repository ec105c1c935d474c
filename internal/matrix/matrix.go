// Package matrix enumerates the documents × prompts × providers task space
// of a scoring run.
//
// Enumeration is pure and deterministic: prompts in load order, documents
// sorted by name, providers in configured order. Re-enumerating the same
// inputs yields the same Keys in the same order, which is what lets a resumed
// run recognise finished work.
package matrix

import (
	"path/filepath"
	"sort"
	"strings"
)

// Document is one input text to be scored.
type Document struct {
	Name    string
	Content string
}

// Subject derives the subject a document is about from its file name: the
// stem, or the part after the last "__" when present and non-empty.
// "class3__alice.md" yields "alice".
func (d Document) Subject() string {
	stem := strings.TrimSuffix(d.Name, filepath.Ext(d.Name))
	if i := strings.LastIndex(stem, "__"); i >= 0 {
		if s := strings.TrimSpace(stem[i+2:]); s != "" {
			return s
		}
	}
	return stem
}

// Prompt is a scoring instruction template, used as the system prompt.
type Prompt struct {
	Name string
	Path string
	Body string
}

// Key identifies a task. It is the idempotence key of the ledger.
type Key struct {
	Document string `json:"document"`
	Prompt   string `json:"prompt"`
	Provider string `json:"provider"`
}

// String renders the key as "prompt/document@provider".
func (k Key) String() string {
	return k.Prompt + "/" + k.Document + "@" + k.Provider
}

// Task is one (document, prompt, provider) call.
type Task struct {
	Key
}

// Group returns the (prompt, document) pair the task belongs to. Tasks of a
// group differ only by provider and are dispatched together.
func (t Task) Group() string {
	return t.Prompt + "/" + t.Document
}

// Enumerate returns every task for the inputs, grouped by prompt then
// document with providers varying fastest.
func Enumerate(docs []Document, prompts []Prompt, providers []string) []Task {
	names := make([]string, len(docs))
	for i, d := range docs {
		names[i] = d.Name
	}
	sort.Strings(names)

	tasks := make([]Task, 0, len(prompts)*len(names)*len(providers))
	for _, p := range prompts {
		for _, doc := range names {
			for _, prov := range providers {
				tasks = append(tasks, Task{Key{Document: doc, Prompt: p.Name, Provider: prov}})
			}
		}
	}
	return tasks
}

// Pending returns the tasks whose keys are not in done, preserving order.
func Pending(tasks []Task, done map[Key]struct{}) []Task {
	if len(done) == 0 {
		return tasks
	}
	out := make([]Task, 0, len(tasks))
	for _, t := range tasks {
		if _, ok := done[t.Key]; !ok {
			out = append(out, t)
		}
	}
	return out
}
