package coherent

import (
	"fmt"
	"testing"

	"github.com/gomlx/coherence/devmem"
	"github.com/janpfeifer/must"
)

var benchmarkSizes = []int{1, 1_000, 1_000_000}

// BenchmarkRoundTrip measures a marshal followed by a mutable access: one copy in each direction.
func BenchmarkRoundTrip(b *testing.B) {
	d := must.M1(devmem.DefaultConfig().NewDevice())
	for _, size := range benchmarkSizes {
		b.Run(fmt.Sprintf("float32[%d]", size), func(b *testing.B) {
			v := must.M1(FromHostOn(d, make([]float32, size)))
			defer func() { must.M(v.Release()) }()
			b.SetBytes(int64(8 * size))
			b.ResetTimer()
			for range b.N {
				v.MarshalForKernel()
				v.GetMutable()[0]++
			}
		})
	}
}

// BenchmarkSharedReads measures repeated const reads, which shouldn't copy after the first one.
func BenchmarkSharedReads(b *testing.B) {
	d := must.M1(devmem.DefaultConfig().NewDevice())
	v := must.M1(FromHostOn(d, make([]float32, 1_000_000)))
	defer func() { must.M(v.Release()) }()
	v.MarshalForKernel()
	b.ResetTimer()
	for range b.N {
		_ = v.Get()
	}
}

// BenchmarkPooledAllocation measures creating and releasing views with the pooled allocator.
func BenchmarkPooledAllocation(b *testing.B) {
	d := must.M1(devmem.Config{Allocator: devmem.AllocatorPooled}.NewDevice())
	home := make([]float32, 10_000)
	b.ResetTimer()
	for range b.N {
		v := must.M1(FromHostOn(d, home))
		must.M(v.Release())
	}
}
