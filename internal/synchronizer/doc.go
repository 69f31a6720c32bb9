// Package synchronizer keeps an application's local asset cache consistent
// with its build-time manifest and serves requests from it.
//
// A Synchronizer is one manifest version ("instance") of one application. It
// reacts to four signals, dispatched by Runtime:
//
//   - install: stage the core files into <app>-temp-cache, bypassing any
//     intermediate HTTP cache;
//   - activate: diff the previous manifest record against the new manifest,
//     drop changed or removed entries from <app>-app-cache, merge the staged
//     files and persist the new record into <app>-app-manifest. Any failure
//     wipes all three caches and leaves the instance active but cold;
//   - fetch: serve manifest assets cache-first, the entry document "/"
//     network-first, and decline everything else;
//   - message: "skipWaiting" promotes a waiting instance, "downloadOffline"
//     fetches every manifest asset that is not cached yet.
//
// Store handles, the network fetcher and the logger are injected explicitly;
// the caches themselves are the only state shared between instances.
package synchronizer
