// Package backends is the boundary to the machine-learning framework that holds the model.
//
// Worker is the production Backend. It runs a framework process, by default the bundled
// fastmodel_worker.py (see InstallBundledWorker), and talks to it with newline-delimited JSON:
// requests on the worker's stdin, events on its stdout. Anything the worker writes to stderr is
// forwarded to the logger at debug level. A worker may use any language as long as it honours
// the protocol below.
//
// A request is one line:
//
//	{"id": "<uuid>", "op": "<operation>", "params": {...}}
//
// Every event names the request it answers:
//
//	{"id": "<uuid>", "event": "token|progress|result|error", "data": {...}, "error": "<message>"}
//
// A request ends with exactly one "result" (data is the payload below) or one "error" (error
// is the message). Token and progress events may precede it. Requests are answered in any
// order; the worker may serve them one at a time.
//
// Operations, their params and their result data:
//
//	load              {"model_name", "dtype", "load_in_4bit", "load_in_8bit", "vision"}
//	                  -> {"name", "local_path", "device", "eos_token", "is_vision"}
//	generate          {"messages": [{"role", "content": [{"type": "text", "text"} | {"type": "image", "image": <base64 PNG>}]}],
//	                   "prompt", "images": [<base64 PNG>], "stop_tokens", "max_new_tokens",
//	                   "temperature", "top_p", "stream"}
//	                  -> {"text"} when stream is false, {} when stream is true
//	bind_dataset      {"dataset": {"path", "num_examples", "has_images"} | null}  -> {}
//	prepare_training  TrainingConfig as JSON  -> {"gpu_name", "max_memory_gb", "reserved_memory_gb"}
//	train             no params  -> {"global_step", "training_loss", "runtime_seconds", "peak_reserved_memory_gb"}
//	save              {"dir"}  -> {}
//	save_merged       {"dir", "save_method"}  -> {}
//	save_gguf         {"dir", "quantization_method": [...]}  -> {}
//	model_config      no params  -> the model configuration object
//	cancel            {"target": "<uuid>"}  no reply; the target ends with an error event
//	shutdown          no params  no reply; the worker exits
//
// generate carries either messages, templated by the framework's processor, or a prompt already
// rendered with a chat template, with its images. With stream set, the answer arrives as token
// events {"text"}; the first token event is the echo of the prompt and is dropped by the client.
// train reports {"step", "epoch", "loss", "learning_rate"} progress events.
//
// Model weights, adapters, the training loop and quantization stay in the worker; nothing in
// this package touches tensors.
package backends
