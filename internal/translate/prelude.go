package translate

// Prelude is prepended to every translated unit. It maps the OpenCL work-item and
// synchronization builtins onto CUDA's thread model.
const Prelude = `#define CUDACL_TRANSLATED 1
#define CLK_LOCAL_MEM_FENCE 1
#define CLK_GLOBAL_MEM_FENCE 2

__device__ __forceinline__ unsigned int cudacl_dim(const uint3 v, const unsigned int i) {
	return i == 0 ? v.x : (i == 1 ? v.y : (i == 2 ? v.z : 0u));
}
__device__ __forceinline__ unsigned int cudacl_dim3(const dim3 v, const unsigned int i) {
	return i == 0 ? v.x : (i == 1 ? v.y : (i == 2 ? v.z : 1u));
}

#define get_work_dim() 3u
#define get_local_id(i) cudacl_dim(threadIdx, (i))
#define get_group_id(i) cudacl_dim(blockIdx, (i))
#define get_local_size(i) cudacl_dim3(blockDim, (i))
#define get_num_groups(i) cudacl_dim3(gridDim, (i))
#define get_global_size(i) (get_local_size(i) * get_num_groups(i))
#define get_global_id(i) (get_group_id(i) * get_local_size(i) + get_local_id(i))

#define barrier(flags) __syncthreads()
#define mem_fence(flags) __threadfence()
#define read_mem_fence(flags) __threadfence()
#define write_mem_fence(flags) __threadfence()

`
