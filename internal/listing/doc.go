// Package listing turns scraped search-result and ad pages into structured
// records and computes what changed since the last crawl.
package listing
