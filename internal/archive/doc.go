// Package archive preserves single listings. It persists the ad page and its
// gallery images to the blob store, indexes the result across a fast tier, an
// older tier, and an optional durable index, and escalates blocked pages to an
// interactive session before completing.
package archive
