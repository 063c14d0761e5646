package strategy

func init() {
	MustRegister(Profile{
		Key:                "network-first",
		Description:        "Always try the network; serve the cached copy or the root document when offline",
		Static:             NetworkFirst,
		Dynamic:            NetworkFirst,
		DynamicPatterns:    []string{"/words"},
		NavigationFallback: "/",
	})
	MustRegister(Profile{
		Key:                "offline-first",
		Description:        "Serve static assets from cache, keep data requests network-first",
		Static:             CacheFirst,
		Dynamic:            NetworkFirst,
		DynamicPatterns:    []string{"/words"},
		NavigationFallback: "/",
	})
	MustRegister(Profile{
		Key:                "static-shell",
		Description:        "Cache-first app shell including opaque CDN assets; data requests bypass the cache",
		Static:             CacheFirst,
		Dynamic:            Bypass,
		DynamicPatterns:    []string{"/words"},
		CacheOpaque:        true,
		NavigationFallback: "/",
	})
}
