package compiler

import "fmt"

// scriptFor returns the in-container shell script for a build target,
// grounded on original_source/worker/src/compiler/wasm32_wasip1.rs and
// wasm32_wasip2.rs. Both scripts read REPO/COMMIT from the environment
// (set on the container at creation) rather than taking them as shell
// arguments, and leave the result at /workspace/output/output.wasm.
func scriptFor(buildTarget string) (string, error) {
	switch buildTarget {
	case "wasm32-wasip2":
		return wasip2Script, nil
	case "wasm32-wasip1", "wasm32-wasi":
		return wasip1Script, nil
	default:
		return "", fmt.Errorf("compiler: unsupported build target %q (supported: wasm32-wasip1, wasm32-wasi, wasm32-wasip2)", buildTarget)
	}
}

const wasip1Script = `
set -ex
cd /workspace

if [ -f /usr/local/cargo/env ]; then
    . /usr/local/cargo/env
elif [ -f $HOME/.cargo/env ]; then
    . $HOME/.cargo/env
fi

TARGET_TO_ADD=$BUILD_TARGET
if [ "$BUILD_TARGET" = "wasm32-wasi" ]; then
    if rustup target list | grep -q wasm32-wasip1; then
        TARGET_TO_ADD="wasm32-wasip1"
    fi
fi
rustup target add "$TARGET_TO_ADD"

git clone "$REPO" repo
cd repo
git checkout "$COMMIT"

cargo build --release --target "$TARGET_TO_ADD"
WASM_FILE=$(find "target/$TARGET_TO_ADD/release" -maxdepth 1 -name "*.wasm" -type f | head -1)
if [ -z "$WASM_FILE" ]; then
    echo "no WASM file produced"
    find "target/$TARGET_TO_ADD/release" -type f
    exit 1
fi

mkdir -p /workspace/output
cp "$WASM_FILE" /workspace/output/output.wasm

if ! command -v wasm-opt >/dev/null 2>&1; then
    apt-get update -qq && apt-get install -y -qq binaryen >/dev/null 2>&1 || true
fi
if command -v wasm-opt >/dev/null 2>&1; then
    wasm-opt -Oz --strip-dwarf --strip-producers --enable-sign-ext --enable-bulk-memory \
        /workspace/output/output.wasm -o /workspace/output/output_optimized.wasm
    mv /workspace/output/output_optimized.wasm /workspace/output/output.wasm
fi
`

const wasip2Script = `
set -ex
cd /workspace

if [ -f /usr/local/cargo/env ]; then
    . /usr/local/cargo/env
elif [ -f $HOME/.cargo/env ]; then
    . $HOME/.cargo/env
fi

rustup target add wasm32-wasip2

git clone "$REPO" repo
cd repo
git checkout "$COMMIT"

cargo build --release --target wasm32-wasip2
WASM_FILE=$(find target/wasm32-wasip2/release -maxdepth 1 -name "*.wasm" -type f | head -1)
if [ -z "$WASM_FILE" ]; then
    echo "no WASM component produced"
    find target/wasm32-wasip2/release -type f
    exit 1
fi

mkdir -p /workspace/output
cp "$WASM_FILE" /workspace/output/output.wasm

if command -v wasm-tools >/dev/null 2>&1; then
    wasm-tools strip /workspace/output/output.wasm -o /workspace/output/output_optimized.wasm
    mv /workspace/output/output_optimized.wasm /workspace/output/output.wasm
fi
`
