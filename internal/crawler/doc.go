// Package crawler defines the domain model shared by the crawl pipeline: jobs,
// targets, work items, the error taxonomy, and the interfaces implemented by
// site crawlers, persistence gateways, fetchers and stores.
package crawler
