// Package crawler turns a CrawlRequest into a lazy, bounded stream of
// ScrapeResult records.
//
// A Crawler owns no per-crawl state. Each Crawl call builds a crawlState with
// its own frontier, visited set, robots cache and crawl-delay gate, then runs
// a fixed pool of workers over it. Workers dequeue an entry, test-and-set it
// in the visited set, reserve a page slot, consult robots.txt, wait out the
// host's crawl delay, fetch (retrying transient failures), extract and emit.
// Slots are reserved before dispatch so a crawl never fetches more than
// MaxPages pages.
package crawler
